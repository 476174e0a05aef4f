package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sampleDTO struct {
	Wallet   string  `normalize:"lower"`
	Name     string
	Optional *string `normalize:"lower"`
	Count    int
	hidden   string
}

func TestNormalizeDTO(t *testing.T) {
	opt := "  0xABC "
	dto := sampleDTO{Wallet: " 0xAbCd ", Name: "  Alice ", Optional: &opt, Count: 3, hidden: " x "}
	NormalizeDTO(&dto)

	assert.Equal(t, "0xabcd", dto.Wallet)
	assert.Equal(t, "Alice", dto.Name)
	assert.Equal(t, "0xabc", *dto.Optional)
	assert.Equal(t, 3, dto.Count)
	assert.Equal(t, " x ", dto.hidden)

	assert.NotPanics(t, func() {
		NormalizeDTO(dto)
		NormalizeDTO(nil)
		var p *sampleDTO
		NormalizeDTO(p)
	})
}
