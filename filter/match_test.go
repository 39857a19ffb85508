package filter

import (
	"testing"

	"github.com/INLOpen/dirindex/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	e := core.NewEntry(7).
		AddString("cn", "Babs Jensen").
		AddString("sn", "Jensen").
		AddString("age", "42").
		AddString("objectClass", "person", "top")

	tests := []struct {
		filter string
		want   bool
	}{
		{"(cn=babs jensen)", true},
		{"(cn=Babs)", false},
		{"(objectclass=PERSON)", true},
		{"(mail=*)", false},
		{"(sn=*)", true},
		{"(cn=babs*)", true},
		{"(cn=*jens*)", true},
		{"(cn=b*s*n)", true},
		{"(cn=*smith)", false},
		{"(sn>=J)", true},
		{"(sn<=A)", false},
		{"(sn~=jenssen)", true},
		{"(&(sn=jensen)(objectclass=person))", true},
		{"(&(sn=jensen)(objectclass=group))", false},
		{"(|(sn=smith)(cn=babs jensen))", true},
		{"(!(sn=jensen))", false},
		{"(!(sn=smith))", true},
		{"(cn:caseExactMatch:=Babs Jensen)", false},
	}
	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			f, err := Parse(tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Matches(e))
		})
	}
}

func TestMatches_Nil(t *testing.T) {
	var f *Filter
	assert.False(t, f.Matches(core.NewEntry(1)))
	assert.False(t, NewPresent("cn").Matches(nil))
	assert.True(t, NewAnd().Matches(core.NewEntry(1)))
	assert.False(t, NewOr().Matches(core.NewEntry(1)))
}
