package router

import (
	"errors"
	"fmt"

	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// ErrUnknownRoute matches every *UnknownRouteError.
var ErrUnknownRoute = errors.New("unknown route")

type UnknownRouteError struct {
	Route model.Route
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("unknown route %q", e.Route)
}

func (e *UnknownRouteError) Is(target error) bool {
	return target == ErrUnknownRoute
}

func badRequest(message string, err error) error {
	return model.NewCodedError(model.CodeBadRequest, message, err)
}

// toEnvelopeError picks the code and message surfaced to the sender. Internal
// details never leave the process.
func toEnvelopeError(err error) (model.ErrorCode, string) {
	var coded *model.CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	var unknown *UnknownRouteError
	if errors.As(err, &unknown) {
		return model.CodeNotFound, fmt.Sprintf("Unknown route: %s", unknown.Route)
	}

	return model.CodeInternal, "Internal server error"
}
