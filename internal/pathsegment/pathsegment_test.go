package pathsegment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/model"
)

func TestGenerate(t *testing.T) {
	s := New(0)
	s.newID = func() string { return "generated" }

	tests := []struct {
		in   string
		want string
	}{
		{"My Document", "My-Document"},
		{"  a / b \\ c  ", "a-b-c"},
		{`it's "quoted"`, "it-s-quoted"},
		{"Ünïcödé title", "Ünïcödé-title"},
		{"this title is definitely longer than the limit", "this-title-is-definitely"},
		{"", "generated"},
		{" - .,;?! ", "generated"},
		{"///", "generated"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Generate(tt.in))
		})
	}
}

func TestMaxSize(t *testing.T) {
	assert.Equal(t, DefaultMaxSize, New(-1).MaxSize())
	s := New(5)
	assert.Equal(t, 5, s.MaxSize())
	assert.Equal(t, "abc", s.Generate("abc  def"))
}

func TestGenerateFor(t *testing.T) {
	doc, err := model.NewDocument("/", "", "File")
	require.NoError(t, err)
	require.NoError(t, doc.SetPropertyValue(model.PropTitle, "Release Notes"))
	assert.Equal(t, "Release-Notes", New(0).GenerateFor(doc))

	id := New(0).Generate("")
	assert.Len(t, id, 36)
}
