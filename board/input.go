package board

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"msgboard/apperrors"
	"msgboard/config"
)

// Length bounds count characters, not bytes.
type ThreadInput struct {
	Title      string `form:"title" validate:"required,title_len"`
	Body       string `form:"body" validate:"required,body_len"`
	AuthorName string `form:"name" validate:"name_len"`
}

type ReplyInput struct {
	Body       string `form:"body" validate:"required,body_len"`
	AuthorName string `form:"name" validate:"name_len"`
}

// EditInput is the replacement body for a moderator edit.
type EditInput struct {
	Body string `form:"body" validate:"required,body_len"`
}

// Upload is an attached media file as received from the client.
type Upload struct {
	Data     []byte
	MimeType string
	Size     int64
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("form")
	})
	v.RegisterAlias("title_len", fmt.Sprintf("max=%d", config.MaxTitleLen))
	v.RegisterAlias("body_len", fmt.Sprintf("max=%d", config.MaxBodyLen))
	v.RegisterAlias("name_len", fmt.Sprintf("max=%d", config.MaxNameLen))
	return v
}

func (in *ThreadInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	in.AuthorName = authorName(in.AuthorName)
}

func (in *ReplyInput) normalize() {
	in.Body = strings.TrimSpace(in.Body)
	in.AuthorName = authorName(in.AuthorName)
}

func (in *EditInput) normalize() {
	in.Body = strings.TrimSpace(in.Body)
}

func authorName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return config.DefaultAuthorName
	}
	return name
}

// check validates a normalized input and reports the first failing field.
func check(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("", "%v", err)
	}
	fe := verrs[0]
	return apperrors.Validation(fe.Field(), "%s", describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.ActualTag() {
	case "required":
		return "must not be empty"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.ActualTag())
	}
}
