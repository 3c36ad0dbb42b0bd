package http

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "mediavault/internal/errors"
)

var validate = validator.New()

// decodeAndValidate binds the JSON body into v and runs struct validation.
func decodeAndValidate(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	if err := validate.Struct(v); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return apperrors.ErrValidation(errs[0].Field(), "failed "+errs[0].Tag()+" validation")
		}
		return apperrors.InvalidRequestWithError(err)
	}
	return nil
}

// respondError renders the domain error as its JSON envelope.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	_ = render.Render(w, r, apperrors.ToAPIError(err))
}
