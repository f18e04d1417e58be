package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeReference_Empty(t *testing.T) {
	assert.Equal(t, "", NormalizeReference(""))
	assert.Equal(t, "", NormalizeReference("   "))
	assert.Equal(t, "", NormalizeReference("---//--"))
}

func TestNormalizeReference_Lowercase(t *testing.T) {
	assert.Equal(t, "ic60n", NormalizeReference("iC60N"))
	assert.Equal(t, "nsx100f", NormalizeReference("NSX100F"))
}

func TestNormalizeReference_StripsSeparators(t *testing.T) {
	assert.Equal(t, "a9f77216", NormalizeReference("A9F77216"))
	assert.Equal(t, "dx36000", NormalizeReference("DX3 6000"))
	assert.Equal(t, "c60n16a", NormalizeReference("C60N-16A"))
	assert.Equal(t, "ng125n", NormalizeReference("NG125.N"))
}

func TestNormalizeReference_FoldsDiacritics(t *testing.T) {
	assert.Equal(t, "electric", NormalizeReference("Électric"))
	assert.Equal(t, "refc32", NormalizeReference("Réf C32"))
	assert.Equal(t, "telemecanique", NormalizeReference("Télémécanique"))
}

func TestNormalizeReference_Idempotent(t *testing.T) {
	inputs := []string{"iC60N", "Réf C32-6kA", "DX3 6000/10", "NSX100F", "  "}
	for _, in := range inputs {
		once := NormalizeReference(in)
		assert.Equal(t, once, NormalizeReference(once), "input %q", in)
	}
}
