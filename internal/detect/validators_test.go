package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlascodex/atlas/internal/models"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		field   models.FieldSpec
		value   string
		wantErr bool
	}{
		{"valid email", models.FieldSpec{Type: models.FieldTypeEmail}, "ada@example.com", false},
		{"invalid email", models.FieldSpec{Type: models.FieldTypeEmail}, "not-an-email", true},
		{"valid url", models.FieldSpec{Type: models.FieldTypeURL}, "https://example.com/x", false},
		{"relative url", models.FieldSpec{Type: models.FieldTypeURL}, "/about", false},
		{"invalid url", models.FieldSpec{Type: models.FieldTypeURL}, "not a url at all", true},
		{"valid phone", models.FieldSpec{Type: models.FieldTypePhone}, "+1 (555) 123-4567", false},
		{"phone too short", models.FieldSpec{Type: models.FieldTypePhone}, "123", true},
		{"valid number", models.FieldSpec{Type: models.FieldTypeNumber}, "$1,299.99", false},
		{"invalid number", models.FieldSpec{Type: models.FieldTypeNumber}, "free", true},
		{"valid date", models.FieldSpec{Type: models.FieldTypeDate}, "2024-08-15", false},
		{"invalid date", models.FieldSpec{Type: models.FieldTypeDate}, "someday", true},
		{"valid boolean", models.FieldSpec{Type: models.FieldTypeBoolean}, "yes", false},
		{"invalid boolean", models.FieldSpec{Type: models.FieldTypeBoolean}, "maybe", true},
		{"enum member", models.FieldSpec{Type: models.FieldTypeEnum, EnumValues: []string{"new", "used"}}, "Used", false},
		{"enum non-member", models.FieldSpec{Type: models.FieldTypeEnum, EnumValues: []string{"new", "used"}}, "refurbished", true},
		{"empty value", models.FieldSpec{Type: models.FieldTypeString}, "  ", true},
		{"min length", models.FieldSpec{Type: models.FieldTypeString, MinLength: 5}, "abc", true},
		{"max length", models.FieldSpec{Type: models.FieldTypeString, MaxLength: 3}, "abcdef", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.field, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"$1,299.99", 1299.99},
		{"1.234,56", 1234.56},
		{"1,234", 1234},
		{"1.234", 1234},
		{"42", 42},
		{"3.14", 3.14},
		{"€ 10,50", 10.50},
		{"-7.5", -7.5},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeNumber(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}

	_, err := NormalizeNumber("no digits")
	assert.Error(t, err)
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-08-15", "2024-08-15"},
		{"2024-08-15T10:30:00Z", "2024-08-15"},
		{"08/15/2024", "2024-08-15"},
		{"August 15, 2024", "2024-08-15"},
		{"Aug 15, 2024", "2024-08-15"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeDate("whenever")
	assert.Error(t, err)
}

func TestNormalizedValue(t *testing.T) {
	assert.Equal(t, "1299.99", NormalizedValue(models.FieldTypeNumber, "$1,299.99"))
	assert.Equal(t, "2024-08-15", NormalizedValue(models.FieldTypeDate, "Aug 15, 2024"))
	assert.Equal(t, "true", NormalizedValue(models.FieldTypeBoolean, "Yes"))
	assert.Equal(t, "hello", NormalizedValue(models.FieldTypeString, "  hello "))
}
