package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/oem-proctor/internal/model"
)

var (
	trans     ut.Translator
	setupOnce sync.Once
)

// domainTags are the proctoring-specific validation tags and their English messages.
var domainTags = []struct {
	tag     string
	message string
	fn      govalidator.Func
}{
	{
		tag:     "event_type",
		message: "{0} is not a known violation type",
		fn: func(fl govalidator.FieldLevel) bool {
			return model.EventType(fl.Field().String()).Valid()
		},
	},
	{
		tag:     "submit_trigger",
		message: "{0} must be one of manual, timer or violations",
		fn: func(fl govalidator.FieldLevel) bool {
			return model.SubmitTrigger(fl.Field().String()).Valid()
		},
	},
}

// Setup registers JSON field names, English translations and the domain tags
// on Gin's binding engine. Safe to call more than once.
func Setup() {
	setupOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		for _, d := range domainTags {
			d := d
			_ = v.RegisterValidation(d.tag, d.fn)
			_ = v.RegisterTranslation(d.tag, trans,
				func(tr ut.Translator) error { return tr.Add(d.tag, d.message, true) },
				func(tr ut.Translator, fe govalidator.FieldError) string {
					msg, _ := tr.T(d.tag, fe.Field())
					return msg
				},
			)
		}
	})
}

// TranslateErrors maps a binding error to field name → message. Anything that is
// not a validation error (bad JSON, wrong types) lands under "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if trans == nil {
				fields[fe.Field()] = fe.Error()
				continue
			}
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	fields["detail"] = err.Error()
	return fields
}

// Bind decodes and validates the JSON body into dst.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
