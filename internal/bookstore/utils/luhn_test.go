package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWithCheckCharacter(t *testing.T) {
	code, err := WithCheckCharacter("book10x")
	require.NoError(t, err)
	assert.Len(t, code, 8)
	assert.True(t, ValidateLuhn(code))
	assert.True(t, ValidateCode(code, 8))
	assert.False(t, ValidateCode(code, 9))

	_, err = WithCheckCharacter("BOOK-10")
	assert.Error(t, err)
}

func TestValidateLuhnDetectsTypos(t *testing.T) {
	code, err := WithCheckCharacter("SUMMER2")
	require.NoError(t, err)

	for i := 0; i < len(code); i++ {
		for _, r := range CodeAlphabet {
			if byte(r) == code[i] {
				continue
			}
			typo := code[:i] + string(r) + code[i+1:]
			assert.False(t, ValidateLuhn(typo), "single substitution %s", typo)
		}
	}
	assert.False(t, ValidateLuhn("summer2"+code[7:]), "lower case is not normalized")
}

func TestGenerateCode(t *testing.T) {
	_, err := GenerateCode(1)
	assert.Error(t, err)

	rapid.Check(t, func(t *rapid.T) {
		length := rapid.IntRange(2, 16).Draw(t, "length")
		code, err := GenerateCode(length)
		if err != nil {
			t.Fatal(err)
		}
		if !ValidateCode(code, length) {
			t.Fatalf("generated code %q does not validate", code)
		}
	})
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeCode("  abc123 "))
}
