package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Leaves(t *testing.T) {
	tests := []struct {
		in        string
		typ       Type
		attribute string
		value     string
	}{
		{"(cn=Babs Jensen)", Equality, "cn", "Babs Jensen"},
		{"(CN=x)", Equality, "cn", "x"},
		{"cn=bare", Equality, "cn", "bare"},
		{"(age>=30)", GreaterOrEqual, "age", "30"},
		{"(age<=40)", LessOrEqual, "age", "40"},
		{"(sn~=smyth)", Approx, "sn", "smyth"},
		{"(objectClass=*)", Present, "objectclass", ""},
		{"(o=Parens R Us \\28for all your parenthetical needs\\29)", Equality, "o", "Parens R Us (for all your parenthetical needs)"},
		{"(cn=\\2a)", Equality, "cn", "*"},
		{"(filename=C:\\5cMyFile)", Equality, "filename", `C:\MyFile`},
		{"(sn=Lu\\c4\\8di\\c4\\87)", Equality, "sn", "Lučić"},
		{"(description=a=b)", Equality, "description", "a=b"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			f, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, f.Type)
			assert.Equal(t, tc.attribute, f.Attribute)
			if tc.typ != Present {
				assert.Equal(t, tc.value, string(f.Value))
			}
		})
	}
}

func TestParse_Substring(t *testing.T) {
	tests := []struct {
		in      string
		initial string
		any     []string
		final   string
	}{
		{"(cn=abc*)", "abc", nil, ""},
		{"(cn=*xyz)", "", nil, "xyz"},
		{"(cn=a*b*c*d)", "a", []string{"b", "c"}, "d"},
		{"(cn=*mid*)", "", []string{"mid"}, ""},
		{"(cn=x\\2a*y)", "x*", nil, "y"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			f, err := Parse(tc.in)
			require.NoError(t, err)
			require.Equal(t, Substring, f.Type)
			require.NotNil(t, f.Substring)
			assert.Equal(t, tc.initial, string(f.Substring.Initial))
			assert.Equal(t, tc.final, string(f.Substring.Final))
			var middle []string
			for _, a := range f.Substring.Any {
				middle = append(middle, string(a))
			}
			assert.Equal(t, tc.any, middle)
		})
	}

	f, err := Parse("(cn=*xyz)")
	require.NoError(t, err)
	assert.Nil(t, f.Substring.Initial)
}

func TestParse_Composite(t *testing.T) {
	f, err := Parse("(&(objectClass=person)(|(sn=Jensen)(cn=Babs J*))(!(age<=20)))")
	require.NoError(t, err)
	require.Equal(t, And, f.Type)
	require.Len(t, f.Children, 3)

	or := f.Children[1]
	assert.Equal(t, Or, or.Type)
	assert.Len(t, or.Children, 2)
	assert.Equal(t, Substring, or.Children[1].Type)

	not := f.Children[2]
	assert.Equal(t, Not, not.Type)
	require.NotNil(t, not.Child)
	assert.Equal(t, LessOrEqual, not.Child.Type)
	assert.False(t, f.IsLeaf())
	assert.True(t, not.Child.IsLeaf())

	f, err = Parse("( & (a=1) (b=2) )")
	require.NoError(t, err)
	assert.Len(t, f.Children, 2)
}

func TestParse_Extensible(t *testing.T) {
	f, err := Parse("(cn:caseExactMatch:=Fred Flintstone)")
	require.NoError(t, err)
	assert.Equal(t, Extensible, f.Type)
	assert.Equal(t, "cn", f.Attribute)
	assert.Equal(t, "caseExactMatch", f.MatchingRule)
	assert.Equal(t, "Fred Flintstone", string(f.Value))

	f, err = Parse("(o:dn:=Ace Industry)")
	require.NoError(t, err)
	assert.True(t, f.DNAttributes)
	assert.Equal(t, "o", f.Attribute)

	f, err = Parse("(:1.2.3:=Wilma)")
	require.NoError(t, err)
	assert.Equal(t, "", f.Attribute)
	assert.Equal(t, "1.2.3", f.MatchingRule)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		in  string
		err error
	}{
		{"", ErrEmptyFilter},
		{"   ", ErrEmptyFilter},
		{"()", ErrEmptyFilter},
		{"(cn=a", ErrUnbalancedParens},
		{"(&(cn=a)", ErrUnbalancedParens},
		{"(&)", ErrInvalidFilter},
		{"(cn)", ErrInvalidFilter},
		{"(=a)", ErrMissingAttribute},
		{"(cn=a)(sn=b)", ErrInvalidFilter},
		{"(cn=\\zz)", ErrInvalidEscape},
		{"(cn=ab\\2)", ErrInvalidEscape},
		{"(:=x)", ErrMissingAttribute},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			_, err := Parse(tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestString_RoundTrip(t *testing.T) {
	inputs := []string{
		"(&(objectclass=person)(|(sn=jensen)(cn=babs j*))(!(age<=20)))",
		"(cn=*a*b*)",
		"(o=parens \\28x\\29)",
		"(sn~=smyth)",
		"(mail=*)",
		"(cn:dn:caseExactMatch:=fred)",
		"(sn=lu\\c4\\8di\\c4\\87)",
	}
	for _, in := range inputs {
		f, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, f.String())
	}
}

func TestConstructors(t *testing.T) {
	f := NewAnd(
		NewEquality(" CN ", []byte("x")),
		NewSubstring("Sn", &SubstringFilter{Initial: []byte("ab")}),
		NewNot(NewPresent("mail")),
	)
	assert.Equal(t, "(&(cn=x)(sn=ab*)(!(mail=*)))", f.String())
	assert.Equal(t, "SUBSTRING", Substring.String())
	assert.Equal(t, "UNKNOWN", Type(99).String())
}
