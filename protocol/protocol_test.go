package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pjbridge/codec"
	"pjbridge/message"
)

// chunkSource replays data in reads of at most size bytes.
type chunkSource struct {
	data []byte
	size int
}

func (s *chunkSource) Read(max int) ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	n := min(max, s.size, len(s.data))
	b := s.data[:n]
	s.data = s.data[n:]
	return b, nil
}

type event struct {
	begin bool
	name  byte
	attrs Attrs
}

type recorder struct{ events []event }

func (r *recorder) Begin(name byte, attrs Attrs) error {
	r.events = append(r.events, event{begin: true, name: name, attrs: append(Attrs(nil), attrs...)})
	return nil
}

func (r *recorder) End(name byte) error {
	r.events = append(r.events, event{name: name})
	return nil
}

func TestEncodeInvoke(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	require.NoError(t, enc.InvokeBegin(5, "add"))
	require.NoError(t, enc.WriteLong(message.Long(3)))
	require.NoError(t, enc.InvokeEnd())
	require.NoError(t, enc.Flush())

	assert.Equal(t, `<Y p="1" v="5" m="add"><L v="3" p="O"/></Y>`, out.String())
}

func TestEncodeScalars(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	require.NoError(t, enc.WriteString(`a<b>&"c'`))
	require.NoError(t, enc.WriteBoolean(true))
	require.NoError(t, enc.WriteBoolean(false))
	require.NoError(t, enc.WriteLong(message.Long(-255)))
	require.NoError(t, enc.WriteDouble(1.5))
	require.NoError(t, enc.WriteNull())
	require.NoError(t, enc.WriteObject(0x1f))
	require.NoError(t, enc.Flush())

	assert.Equal(t, `<S v="a&lt;b&gt;&amp;&quot;c'"/>`+
		`<T v="1"/><T v="0"/>`+
		`<L v="ff" p="A"/>`+
		`<D v="1.50000000000000e+00"/>`+
		`<O v="0"/><O v="1f"/>`, out.String())
}

func TestEncodeComposite(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	v := message.Map(
		message.Pair{Key: message.String("k"), Val: message.Array(message.Long(1), message.Bool(true))},
		message.Pair{Key: message.Long(-2), Val: message.Null()},
	)
	require.NoError(t, enc.WriteValue(v))
	require.NoError(t, enc.Flush())

	assert.Equal(t, `<X t="H"><P t="S" v="k"><X t="A"><P><L v="1" p="O"/></P><P><T v="1"/></P></X></P>`+
		`<P t="N" v="-2"><O v="0"/></P></X>`, out.String())
}

func TestTemplateStamp(t *testing.T) {
	enc := NewEncoder(io.Discard, 0, nil)

	require.NoError(t, enc.InvokeBegin(5, "put"))
	require.NoError(t, enc.WriteLong(message.Long(3)))
	require.NoError(t, enc.WriteString("x"))
	require.NoError(t, enc.WriteBoolean(true))
	require.NoError(t, enc.WriteDouble(2))
	require.NoError(t, enc.WriteObject(7))
	require.NoError(t, enc.InvokeEnd())

	tpl := enc.Template()
	require.NotNil(t, tpl)
	assert.Equal(t, message.ModeCached, tpl.Mode())
	assert.Equal(t, 6, tpl.Slots())

	got, err := tpl.Stamp(codec.UTF8, 9, []message.Value{
		message.Long(-4), message.String("<y>"), message.Bool(false), message.Double(-0.5), message.Null(),
	})
	require.NoError(t, err)
	assert.Equal(t, `<Y p="2" v="9" m="put"><J v="-4"/><S v="&lt;y&gt;"/><T v="0"/>`+
		`<D v="-5.00000000000000e-01"/><O v="0"/></Y>`, string(got))

	void := tpl.WithMode(message.ModeVoid)
	assert.Equal(t, message.ModeVoid, void.Mode())
	assert.Equal(t, message.ModeCached, tpl.Mode())

	_, err = tpl.Stamp(codec.UTF8, 9, []message.Value{message.Long(1)})
	assert.ErrorIs(t, err, message.ErrProtocol)
}

func TestTemplateCreate(t *testing.T) {
	enc := NewEncoder(io.Discard, 0, nil)

	require.NoError(t, enc.CreateObjectBegin("java.util.ArrayList"))
	require.NoError(t, enc.WriteLong(message.Long(10)))
	require.NoError(t, enc.CreateObjectEnd())

	got, err := enc.Template().Stamp(codec.UTF8, 0, []message.Value{message.Long(20)})
	require.NoError(t, err)
	assert.Equal(t, `<K p="2" v="java.util.ArrayList"><J v="20"/></K>`, string(got))
}

func TestTemplateInvalidatedByComposite(t *testing.T) {
	enc := NewEncoder(io.Discard, 0, nil)

	require.NoError(t, enc.InvokeBegin(5, "addAll"))
	require.NoError(t, enc.WriteValue(message.Array(message.Long(1))))
	require.NoError(t, enc.InvokeEnd())
	assert.Nil(t, enc.Template())

	require.NoError(t, enc.PropertyAccessBegin(5, "size"))
	require.NoError(t, enc.PropertyAccessEnd())
	assert.Nil(t, enc.Template())
}

func TestPendingPromotion(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	require.NoError(t, enc.Prepare([]byte(`<Y p="2" v="5" m="a"></Y>`)))
	assert.True(t, enc.HasPending())
	require.NoError(t, enc.Flush())
	assert.Empty(t, out.String(), "held-back request must not be flushed")

	require.NoError(t, enc.Unref(9))
	require.NoError(t, enc.Flush())
	assert.Equal(t, `<Y p="2" v="5" m="a"></Y><U v="9"/>`, out.String())
	assert.False(t, enc.HasPending())
}

func TestCancelPending(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	assert.False(t, enc.CancelPending())
	require.NoError(t, enc.Prepare([]byte(`<Y p="2" v="5" m="a"></Y>`)))
	assert.True(t, enc.CancelPending())
	require.NoError(t, enc.Flush())
	assert.Equal(t, `<Y p="3" v="5" m="a"></Y>`, out.String())
}

func TestThresholdFlush(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 16, nil)

	require.NoError(t, enc.InvokeBegin(1, "method"))
	assert.NotEmpty(t, out.String())
	assert.Empty(t, enc.Buffered())
	assert.EqualValues(t, out.Len(), enc.Flushed())
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("reset by peer") }

func TestFlushError(t *testing.T) {
	enc := NewEncoder(failWriter{}, 0, nil)
	require.NoError(t, enc.ExitCode(0))
	err := enc.Flush()
	assert.ErrorIs(t, err, message.ErrTransport)
	assert.True(t, message.IsFatal(err))
}

func TestParseResponse(t *testing.T) {
	for _, size := range []int{1, 3, 7, 8192} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			src := &chunkSource{data: []byte(`<O v="1f" m="java.lang.String" p="O" n="F"/>`), size: size}
			p := NewParser(src, 8192, nil)
			r := &recorder{}

			require.NoError(t, p.Parse(r))
			require.Len(t, r.events, 1)
			e := r.events[0]
			assert.True(t, e.begin)
			assert.Equal(t, TagObject, e.name)
			assert.Equal(t, "1f", e.attrs.Get("v"))
			assert.Equal(t, "java.lang.String", e.attrs.Get("m"))
			assert.Equal(t, "F", e.attrs.Get("n"))
			assert.Equal(t, 0, p.Depth())
		})
	}
}

func TestParseUnquotedValues(t *testing.T) {
	src := &chunkSource{data: []byte(`<X t=A><P><L p="A" v=ff/></P><P><L v=10 p=O/></P></X>`), size: 3}
	p := NewParser(src, 8192, nil)
	r := &recorder{}

	require.NoError(t, p.Parse(r))
	var leaves []Attrs
	for _, e := range r.events {
		if e.begin && e.name == TagLong {
			leaves = append(leaves, e.attrs)
		}
	}
	assert.Equal(t, "A", r.events[0].attrs.Get("t"))
	require.Len(t, leaves, 2)
	assert.Equal(t, Attrs{{"p", "A"}, {"v", "ff"}}, leaves[0])
	// 未加引号的值后跟空格
	assert.Equal(t, Attrs{{"v", "10"}, {"p", "O"}}, leaves[1])
	assert.Equal(t, 0, p.Depth())
}

func TestParseEntities(t *testing.T) {
	src := &chunkSource{data: []byte(`<S v="&lt;a&gt; &amp; &quot;b&quot; &apos;c&apos; &#65;&#x42; &bogus;"/>`), size: 2}
	p := NewParser(src, 8192, nil)
	r := &recorder{}

	require.NoError(t, p.Parse(r))
	assert.Equal(t, `<a> & "b" 'c' AB &bogus;`, r.events[0].attrs.Get("v"))
}

func TestParseNested(t *testing.T) {
	src := &chunkSource{data: []byte(`<X t="A"><P><N/></P><P><R></R></P></X>`), size: 5}
	p := NewParser(src, 8192, nil)
	r := &recorder{}

	require.NoError(t, p.Parse(r))
	var names []string
	for _, e := range r.events {
		if e.begin {
			names = append(names, string(e.name))
		} else {
			names = append(names, "/"+string(e.name))
		}
	}
	assert.Equal(t, []string{"X", "P", "N", "/P", "P", "R", "/R", "/P", "/X"}, names)
}

func TestParseKeepsTrailingBytes(t *testing.T) {
	src := &chunkSource{data: []byte(`<V/><B v="T"/><L v="a" p="A"/>`), size: 8192}
	p := NewParser(src, 8192, nil)

	var got []message.Value
	for range 3 {
		r := &recorder{}
		require.NoError(t, p.Parse(r))
		require.Len(t, r.events, 1)
		v, ok, err := DecodeLeaf(r.events[0].name, r.events[0].attrs)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, v)
		assert.Equal(t, 0, p.Depth())
	}
	assert.Equal(t, []message.Value{message.Void(), message.Bool(true), message.Long(-10)}, got)
	assert.False(t, p.Buffered())
}

func TestParseBrokenConnection(t *testing.T) {
	src := &chunkSource{data: []byte(`<X t="A"><P>`), size: 4}
	p := NewParser(src, 8192, nil)

	err := p.Parse(&recorder{})
	assert.ErrorIs(t, err, message.ErrBrokenConnection)
	assert.True(t, message.IsFatal(err))
}

func TestParseUnbalanced(t *testing.T) {
	src := &chunkSource{data: []byte(`</X>`), size: 8192}
	p := NewParser(src, 8192, nil)

	err := p.Parse(&recorder{})
	assert.ErrorIs(t, err, message.ErrProtocol)
}

type failingHandler struct{ recorder }

func (h *failingHandler) Begin(name byte, attrs Attrs) error {
	return message.Protocolf("rejected %c", name)
}

func TestParseHandlerError(t *testing.T) {
	src := &chunkSource{data: []byte(`<S v="x"/>`), size: 8192}
	p := NewParser(src, 8192, nil)

	err := p.Parse(&failingHandler{})
	assert.ErrorIs(t, err, message.ErrProtocol)
	assert.Equal(t, 0, p.Depth())
}

func TestDecodeLeaf(t *testing.T) {
	cases := []struct {
		name  byte
		attrs Attrs
		want  message.Value
	}{
		{TagString, Attrs{{"v", "hi"}}, message.String("hi")},
		{TagBool, Attrs{{"v", "F"}}, message.Bool(false)},
		{TagBool, Attrs{{"v", "1"}}, message.Bool(true)},
		{TagLong, Attrs{{"v", "ffffffffffffffff"}, {"p", "O"}}, message.ULong(math.MaxUint64)},
		{TagExact, Attrs{{"v", "-42"}}, message.Long(-42)},
		{TagDouble, Attrs{{"v", "-Infinity"}}, message.Double(math.Inf(-1))},
		{TagObject, Attrs{{"v", "0"}}, message.Null()},
		{TagObject, Attrs{{"v", "3"}, {"m", "[I"}, {"p", "A"}}, message.Object(3, "[I", message.ObjectArray)},
		{TagFault, Attrs{{"v", "4"}, {"m", "boom"}}, message.FaultValue(4, "boom")},
	}
	for _, c := range cases {
		got, ok, err := DecodeLeaf(c.name, c.attrs)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, c.want, got, "tag %c", c.name)
	}

	_, ok, _ := DecodeLeaf(TagComposite, nil)
	assert.False(t, ok)

	_, _, err := DecodeLeaf(TagObject, Attrs{{"v", "zz"}})
	assert.ErrorIs(t, err, message.ErrProtocol)
}

func TestDecodeCallRoundTrip(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)

	args := []message.Value{
		message.String("s & <t>"),
		message.String("héllo 世界 🎉"),
		message.Bool(true),
		message.Long(math.MinInt64),
		message.ULong(math.MaxUint64),
		message.Double(3.25),
		message.Null(),
		message.Object(12, "", message.ObjectPlain),
		message.Array(message.Long(1), message.Array()),
		message.Map(message.Pair{Key: message.String("a"), Val: message.Long(2)}, message.Pair{Key: message.Long(7), Val: message.String("b")}),
	}
	require.NoError(t, enc.InvokeBegin(0x2a, "call"))
	for _, a := range args {
		require.NoError(t, enc.WriteValue(a))
	}
	require.NoError(t, enc.InvokeEnd())
	require.NoError(t, enc.Flush())

	// one byte per read splits every multi-byte sequence
	p := NewParser(&chunkSource{data: out.Bytes(), size: 1}, 8192, nil)
	call, err := DecodeCall(p)
	require.NoError(t, err)

	assert.Equal(t, message.CallInvoke, call.Kind)
	assert.Equal(t, message.ModeFull, call.Mode)
	assert.Equal(t, message.Handle(0x2a), call.Target)
	assert.Equal(t, "call", call.Method)
	require.Len(t, call.Args, len(args))
	for i := range args {
		want := args[i]
		if want.Kind == message.KindObject {
			// signatures are not sent with arguments
			want.Signature = ""
		}
		assert.Equal(t, want, call.Args[i], "arg %d", i)
	}
}

func TestDecodeCallKeyedArray(t *testing.T) {
	req := `<Y p="1" v="0" m="f"><X t="A"><P t="N" v="5"><S v="a"/></P><P t="S" v="k"><S v="b"/></P></X></Y>`
	p := NewParser(&chunkSource{data: []byte(req), size: 7}, 8192, nil)
	call, err := DecodeCall(p)
	require.NoError(t, err)
	require.Len(t, call.Args, 1)
	assert.Equal(t, message.Array(message.String("a"), message.String("b")), call.Args[0])
}

func TestDecodeCallEnvelopes(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out, 0, nil)
	require.NoError(t, enc.CreateObjectBegin("java.util.HashMap"))
	require.NoError(t, enc.CreateObjectEnd())
	require.NoError(t, enc.Unref(0xb))
	require.NoError(t, enc.ResultBegin())
	require.NoError(t, enc.WriteString("r"))
	require.NoError(t, enc.ResultEnd())
	require.NoError(t, enc.ExitCode(3))
	require.NoError(t, enc.Flush())

	p := NewParser(&chunkSource{data: out.Bytes(), size: 8192}, 8192, nil)

	c, err := DecodeCall(p)
	require.NoError(t, err)
	assert.Equal(t, message.CallCreate, c.Kind)
	assert.Equal(t, "java.util.HashMap", c.Class)
	assert.True(t, c.ExpectsReply())

	c, err = DecodeCall(p)
	require.NoError(t, err)
	assert.Equal(t, message.CallUnref, c.Kind)
	assert.Equal(t, message.Handle(0xb), c.Target)
	assert.False(t, c.ExpectsReply())

	c, err = DecodeCall(p)
	require.NoError(t, err)
	assert.Equal(t, message.CallResult, c.Kind)
	assert.Equal(t, []message.Value{message.String("r")}, c.Args)

	c, err = DecodeCall(p)
	require.NoError(t, err)
	assert.Equal(t, message.CallExit, c.Kind)
	assert.EqualValues(t, 3, c.Code)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "plain", Escape("plain"))
	assert.Equal(t, "&lt;&amp;&gt;&quot;'", Escape(`<&>"'`))
	assert.False(t, strings.Contains(Escape("<<"), "<"))
}
