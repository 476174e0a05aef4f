package middlewares

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"gasless-relayer/utils"
)

var validate = newValidator()

var (
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	functionPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so clients see their own field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ethsig", func(fl validator.FieldLevel) bool {
		return signaturePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("abifunc", func(fl validator.FieldLevel) bool {
		return functionPattern.MatchString(fl.Field().String())
	})
	return v
}

// BindAndValidate parses the request body into dst, trims its string fields
// and validates it.
// Returns fiber.ErrBadRequest for parse errors and a validator.ValidationErrors for validation issues.
func BindAndValidate(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	utils.NormalizeDTO(dst)
	return validate.Struct(dst)
}

// ValidateStruct validates any struct value using the shared validator instance.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
