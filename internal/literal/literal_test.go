package literal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BlockBatch(t *testing.T) {
	src := `[[('1495404043.80', 'aa', 'bb', '0.00000000', 'sig', 'key', '0', 'nonce')], [('1495404063.62', 'cc', "it's", '1.5', 'x', 'y', '0', 'n2'), ('1495404064.00', 'dd', 'ee', '0', 'x', 'y', '0', 'n3')]]`

	v, err := Parse(src)
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.Items, 2)

	first := v.Items[0]
	assert.Equal(t, `[('1495404043.80', 'aa', 'bb', '0.00000000', 'sig', 'key', '0', 'nonce')]`, first.Raw)
	require.Len(t, first.Items, 1)
	assert.Equal(t, KindTuple, first.Items[0].Kind)

	second := v.Items[1]
	require.Len(t, second.Items, 2)
	assert.Equal(t, "it's", second.Items[0].Items[2].Str)

	stamp, err := second.Items[1].Items[0].Float()
	require.NoError(t, err)
	assert.InDelta(t, 1495404064.0, stamp, 1e-6)
}

func TestParse_Scalars(t *testing.T) {
	v, err := Parse(`(None, True, -12, 3.5, u'x\n', 'a\\b', '\x41')`)
	require.NoError(t, err)
	require.Len(t, v.Items, 7)
	assert.Equal(t, KindNone, v.Items[0].Kind)
	assert.Equal(t, KindBool, v.Items[1].Kind)
	assert.Equal(t, "-12", v.Items[2].Str)
	assert.Equal(t, "3.5", v.Items[3].Str)
	assert.Equal(t, "x\n", v.Items[4].Str)
	assert.Equal(t, `a\b`, v.Items[5].Str)
	assert.Equal(t, "A", v.Items[6].Str)
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"[",
		"('a', 'b'",
		"'unterminated",
		"[1 2]",
		"[1] extra",
		"__import__('os')",
	} {
		_, err := Parse(src)
		assert.Error(t, err, "Parse(%q)", src)
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"abc":      `'abc'`,
		"it's":     `"it's"`,
		`both'"`:   `'both\'"'`,
		"tab\there": `'tab\there'`,
		"\x01":     `'\x01'`,
		`back\`:    `'back\\'`,
	}
	for in, want := range tests {
		assert.Equal(t, want, Quote(in), "Quote(%q)", in)
	}
}

func TestTupleList_RoundTrip(t *testing.T) {
	rows := [][]string{
		{"1495404043.80", "addr", "addr", "0.00000000", "0", "nonce"},
		{"solo"},
	}
	text := TupleList(rows)
	assert.Equal(t, `[('1495404043.80', 'addr', 'addr', '0.00000000', '0', 'nonce'), ('solo',)]`, text)

	v, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, v.Items, 2)
	assert.Equal(t, "nonce", v.Items[0].Items[5].Str)
	assert.Equal(t, text, v.Raw)
}

func TestRepr_Canonical(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`[('1.5','a' ,"b")]`, `[('1.5', 'a', 'b')]`},
		{`[ ("it's", 'x\'y') , (1 ,) ]`, `[("it's", "x'y"), (1,)]`},
		{`(None,True,u"z",1495404043.8)`, `(None, True, u'z', 1495404043.8)`},
		{`[]`, `[]`},
		{`[('1495404043.80', 'aa', 'bb')]`, `[('1495404043.80', 'aa', 'bb')]`},
	}
	for _, tt := range tests {
		v, err := Parse(tt.src)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, Repr(v), tt.src)
	}
}
