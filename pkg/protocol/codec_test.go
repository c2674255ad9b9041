package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/aeolun/realm/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKinds = []Kind{
	KindBool, KindInt8, KindInt16, KindInt32, KindInt64,
	KindUint8, KindUint16, KindUint32, KindUint64,
	KindFloat32, KindFloat64, KindString,
}

func fixedKey(t testing.TB) *crypto.SessionKey {
	t.Helper()
	key, err := crypto.SessionKeyFromBytes(bytes.Repeat([]byte{0x42}, crypto.SessionKeySize))
	require.NoError(t, err)
	return key
}

func newTestCodec(t testing.TB, types ...*MessageType) *Codec {
	t.Helper()
	reg := NewRegistry(nil)
	for _, mt := range types {
		require.NoError(t, reg.Register(mt))
	}
	return NewCodec(reg, nil)
}

func sampleValue(k Kind, array bool) any {
	if array {
		switch k {
		case KindBool:
			return []bool{true, false, true}
		case KindInt8:
			return []int8{-128, 0, 127}
		case KindInt16:
			return []int16{math.MinInt16, -1, math.MaxInt16}
		case KindInt32:
			return []int32{math.MinInt32, 7, math.MaxInt32}
		case KindInt64:
			return []int64{math.MinInt64, 0, math.MaxInt64}
		case KindUint8:
			return []uint8{0, 1, 255}
		case KindUint16:
			return []uint16{0, 0xBEEF}
		case KindUint32:
			return []uint32{0, 0xDEADBEEF}
		case KindUint64:
			return []uint64{0, math.MaxUint64}
		case KindFloat32:
			return []float32{-1.5, 0, 3.25}
		case KindFloat64:
			return []float64{-math.Pi, 0, math.MaxFloat64}
		case KindString:
			return []string{"", "alpha", "βeta"}
		}
		return nil
	}
	switch k {
	case KindBool:
		return true
	case KindInt8:
		return int8(-5)
	case KindInt16:
		return int16(-30000)
	case KindInt32:
		return int32(-2000000000)
	case KindInt64:
		return int64(-9000000000000)
	case KindUint8:
		return uint8(200)
	case KindUint16:
		return uint16(60000)
	case KindUint32:
		return uint32(4000000000)
	case KindUint64:
		return uint64(18000000000000000000)
	case KindFloat32:
		return float32(1.5)
	case KindFloat64:
		return math.Pi
	case KindString:
		return "hello, world"
	}
	return nil
}

func TestCodecRoundTrip_EveryKind(t *testing.T) {
	key := fixedKey(t)
	for _, k := range allKinds {
		for _, array := range []bool{false, true} {
			spec := ArgSpec{Name: "value", Kind: k, Array: array}
			t.Run(spec.String(), func(t *testing.T) {
				mt := &MessageType{ID: 100, Name: "SAMPLE", Args: []ArgSpec{spec}}
				codec := newTestCodec(t, mt)

				msg := NewMessage(mt).With("value", sampleValue(k, array))
				data, err := codec.Marshal(msg, key)
				require.NoError(t, err)

				decoded, err := codec.Unmarshal(data, key)
				require.NoError(t, err)
				assert.Equal(t, msg.Values(), decoded.Values())
				assert.False(t, decoded.HasSealedFields())
			})
		}
	}
}

func TestCodecRoundTrip_EncryptedString(t *testing.T) {
	key := fixedKey(t)
	mt := &MessageType{
		ID:   10,
		Name: "LOGIN",
		Args: []ArgSpec{
			{Name: "username", Kind: KindString},
			{Name: "password", Kind: KindString, Encrypt: true},
			{Name: "hints", Kind: KindString, Array: true, Encrypt: true},
		},
	}
	codec := newTestCodec(t, mt)

	msg := NewMessage(mt).
		With("username", "alice").
		With("password", "correct horse battery staple").
		With("hints", []string{"horse", "staple"})

	data, err := codec.Marshal(msg, key)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("alice")), "plain field is sent in clear")
	assert.False(t, bytes.Contains(data, []byte("correct horse")), "encrypted field must not appear in clear")
	assert.False(t, bytes.Contains(data, []byte("staple")), "encrypted array elements must not appear in clear")

	decoded, err := codec.Unmarshal(data, key)
	require.NoError(t, err)
	assert.Equal(t, msg.Values(), decoded.Values())
}

func TestCodecDecode_EncryptedWithoutKey(t *testing.T) {
	key := fixedKey(t)
	mt := &MessageType{
		ID:   10,
		Name: "LOGIN",
		Args: []ArgSpec{
			{Name: "username", Kind: KindString},
			{Name: "password", Kind: KindString, Encrypt: true},
		},
	}
	codec := newTestCodec(t, mt)

	msg := NewMessage(mt).With("username", "alice").With("password", "secret")
	data, err := codec.Marshal(msg, key)
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data, nil)
	require.NoError(t, err, "missing key must not fail the whole message")
	assert.Equal(t, "alice", decoded.Text("username"))
	assert.True(t, decoded.Sealed("password"))
	assert.NotEqual(t, "secret", decoded.Text("password"))

	assert.ErrorIs(t, decoded.DecryptFields(nil), ErrNoSessionKey)

	require.NoError(t, decoded.DecryptFields(key))
	assert.False(t, decoded.Sealed("password"))
	assert.Equal(t, "secret", decoded.Text("password"))
}

// failingCipher decrypts with key but fails the call numbered failOn.
type failingCipher struct {
	key    *crypto.SessionKey
	calls  int
	failOn int
}

func (f *failingCipher) Encrypt(p []byte) ([]byte, error) { return f.key.Encrypt(p) }

func (f *failingCipher) Decrypt(p []byte) ([]byte, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("bad tag")
	}
	return f.key.Decrypt(p)
}

func TestCodecDecode_EncryptedArrayStaysWhole(t *testing.T) {
	key := fixedKey(t)
	mt := &MessageType{ID: 10, Name: "HINTS", Args: []ArgSpec{{Name: "hints", Kind: KindString, Array: true, Encrypt: true}}}
	codec := newTestCodec(t, mt)

	hints := []string{"horse", "battery", "staple"}
	data, err := codec.Marshal(NewMessage(mt).With("hints", hints), key)
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data, &failingCipher{key: key, failOn: 2})
	require.NoError(t, err)
	require.True(t, decoded.Sealed("hints"))
	for _, elem := range decoded.Values()["hints"].([]string) {
		assert.NotContains(t, hints, elem, "a sealed array holds no plaintext")
	}

	require.NoError(t, decoded.DecryptFields(key))
	assert.False(t, decoded.Sealed("hints"))
	assert.Equal(t, hints, decoded.Values()["hints"])
}

func TestCodecEncode_EncryptedWithoutKeySendsClear(t *testing.T) {
	mt := &MessageType{ID: 10, Name: "LOGIN", Args: []ArgSpec{{Name: "password", Kind: KindString, Encrypt: true}}}
	codec := newTestCodec(t, mt)

	data, err := codec.Marshal(NewMessage(mt).With("password", "secret"), nil)
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data, nil)
	require.NoError(t, err)
	assert.False(t, decoded.Sealed("password"))
	assert.Equal(t, "secret", decoded.Text("password"))
}

func TestCodecEncode_SchemaOrder(t *testing.T) {
	mt := &MessageType{
		ID:   7,
		Name: "ORDERED",
		Args: []ArgSpec{
			{Name: "a", Kind: KindUint8},
			{Name: "b", Kind: KindUint16},
			{Name: "c", Kind: KindBool},
		},
	}
	codec := newTestCodec(t, mt)

	forward := NewMessage(mt).With("a", uint8(1)).With("b", uint16(2)).With("c", true)
	backward := NewMessage(mt).With("c", true).With("b", uint16(2)).With("a", uint8(1))

	f, err := codec.Marshal(forward, nil)
	require.NoError(t, err)
	b, err := codec.Marshal(backward, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x07, 0x01, 0x00, 0x02, 0x01}, f)
	assert.Equal(t, f, b)
}

func TestCodecEncode_Errors(t *testing.T) {
	mt := &MessageType{
		ID:   7,
		Name: "PAIR",
		Args: []ArgSpec{
			{Name: "x", Kind: KindInt32},
			{Name: "y", Kind: KindInt32},
		},
	}
	codec := newTestCodec(t, mt)

	t.Run("incomplete message", func(t *testing.T) {
		_, err := codec.Marshal(NewMessage(mt).With("x", int32(1)), nil)
		assert.ErrorIs(t, err, ErrIncompleteMessage)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("wrong go type", func(t *testing.T) {
		err := NewMessage(mt).Set("x", 1)
		assert.ErrorIs(t, err, ErrKindMismatch)
	})

	t.Run("unknown argument", func(t *testing.T) {
		err := NewMessage(mt).Set("z", int32(1))
		assert.ErrorIs(t, err, ErrUnknownArgument)
	})
}

func TestCodecDecode_Errors(t *testing.T) {
	mt := &MessageType{
		ID:   7,
		Name: "MIXED",
		Args: []ArgSpec{
			{Name: "flag", Kind: KindBool},
			{Name: "count", Kind: KindUint32},
			{Name: "label", Kind: KindString},
		},
	}
	codec := newTestCodec(t, mt)
	full, err := codec.Marshal(NewMessage(mt).With("flag", true).With("count", uint32(9)).With("label", "abc"), nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"half type id", full[:1], ErrShortRead},
		{"missing arguments", full[:2], ErrShortRead},
		{"truncated uint32", full[:5], ErrShortRead},
		{"truncated string body", full[:len(full)-1], ErrShortRead},
		{"unknown type id", []byte{0xFF, 0xFF}, ErrUnknownType},
		{"invalid bool", []byte{0x00, 0x07, 0x02}, ErrInvalidBool},
		{"oversized string", []byte{0x00, 0x07, 0x01, 0, 0, 0, 9, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}, ErrStringTooLong},
		{"trailing bytes", append(append([]byte{}, full...), 0x00), ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Unmarshal(tt.data, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrProtocol, "every decode failure is connection-fatal")
		})
	}
}

func TestCodecDecode_CleanEOF(t *testing.T) {
	codec := newTestCodec(t, &MessageType{ID: 1, Name: "EMPTY"})

	_, err := codec.Decode(bytes.NewReader(nil), nil)
	assert.True(t, errors.Is(err, io.EOF))
	assert.False(t, errors.Is(err, ErrProtocol))
}

func TestCodecDecode_Stream(t *testing.T) {
	mt := &MessageType{ID: 3, Name: "TICK", Args: []ArgSpec{{Name: "n", Kind: KindInt64}}}
	codec := newTestCodec(t, mt)

	var buf bytes.Buffer
	for i := int64(0); i < 5; i++ {
		require.NoError(t, codec.Encode(&buf, NewMessage(mt).With("n", i), nil))
	}

	for i := int64(0); i < 5; i++ {
		msg, err := codec.Decode(&buf, nil)
		require.NoError(t, err)
		assert.Equal(t, i, msg.Int64("n"))
	}
	_, err := codec.Decode(&buf, nil)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDefaultSchema(t *testing.T) {
	reg, err := NewRegistryFrom(DefaultSchema(), nil)
	require.NoError(t, err)

	names := []string{
		MsgHandshakePublicKey, MsgHandshakeSessionKey,
		MsgLoginRequest, MsgLoginResponse, MsgLogoutRequest, MsgLogoutResponse,
		MsgPingRequest, MsgPingResponse, MsgMoveIntent, MsgForcedState,
		MsgObjectVisible, MsgObjectInvisible, MsgActorState,
		MsgConfigureWorld, MsgServerStatsRequest, MsgServerStats,
	}
	assert.Equal(t, len(names), reg.Len())
	for _, name := range names {
		_, ok := reg.GetByName(name)
		assert.True(t, ok, name)
	}

	login, _ := reg.GetByName(MsgLoginRequest)
	pw, ok := login.Arg("password")
	require.True(t, ok)
	assert.True(t, pw.Encrypt)
	assert.Equal(t, []string{"login"}, reg.Handlers(login.ID))
}

func TestDefaultSchema_RoundTripsEveryType(t *testing.T) {
	key := fixedKey(t)
	reg, err := NewRegistryFrom(DefaultSchema(), nil)
	require.NoError(t, err)
	codec := NewCodec(reg, nil)

	for _, mt := range reg.Types() {
		t.Run(mt.Name, func(t *testing.T) {
			msg := NewMessage(mt)
			for _, a := range mt.Args {
				require.NoError(t, msg.Set(a.Name, sampleValue(a.Kind, a.Array)))
			}
			data, err := codec.Marshal(msg, key)
			require.NoError(t, err)
			decoded, err := codec.Unmarshal(data, key)
			require.NoError(t, err)
			assert.Equal(t, msg.Values(), decoded.Values())
		})
	}
}

func TestParseSchema_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad toml", "[[message]\n"},
		{"unknown kind", "[[message]]\nid = 1\nname = \"X\"\n[[message.arg]]\nname = \"a\"\nkind = \"complex128\"\n"},
		{"id out of range", "[[message]]\nid = 70000\nname = \"X\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in        string
		wantKind  Kind
		wantArray bool
	}{
		{"int32", KindInt32, false},
		{"string[]", KindString, true},
		{"double", KindFloat64, false},
		{"boolean", KindBool, false},
		{"long[]", KindInt64, true},
		{" UINT8 ", KindUint8, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, array, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, k)
			assert.Equal(t, tt.wantArray, array)
		})
	}

	_, _, err := ParseKind("pointer")
	assert.Error(t, err)
}
