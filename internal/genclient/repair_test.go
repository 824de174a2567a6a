package genclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepairThreeLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "already three lines",
			in:   "  a b\nc d e\nf g  \n",
			want: "a b\nc d e\nf g",
		},
		{
			name: "single line with enough words",
			in:   "un âne gris marche lentement sous la pluie fine du matin",
			want: "un âne gris\nmarche lentement sous\nla pluie fine du matin",
		},
		{
			name: "two lines regrouped",
			in:   "one two three four five\nsix seven eight nine ten",
			want: "one two three\nfour five six\nseven eight nine ten",
		},
		{
			name: "too few words left alone",
			in:   "short answer only",
			want: "short answer only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RepairThreeLines(tt.in))
		})
	}
}

func TestRepairPreservesWords(t *testing.T) {
	in := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda"
	out := RepairThreeLines(in)
	assert.Len(t, strings.Split(out, "\n"), 3)
	assert.Equal(t, strings.Fields(in), strings.Fields(out))
}
