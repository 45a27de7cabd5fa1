// Package api provides the HTTP API handlers for mudra.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ayusman/mudra/internal/capture"
	"github.com/ayusman/mudra/internal/detector"
	"github.com/ayusman/mudra/internal/geometry"
	"github.com/ayusman/mudra/internal/tracking"
)

// DeviceController lists and selects capture devices.
type DeviceController interface {
	Devices() []capture.Device
	SelectedIndex() int
	SelectDevice(ctx context.Context, index int) error
	RefreshDevices(ctx context.Context) error
}

// TransformController reads and replaces the landmark transform.
type TransformController interface {
	Transform() geometry.TransformSpec
	SetTransform(spec geometry.TransformSpec) error
}

// SessionController reports capture and detection status.
type SessionController interface {
	SessionID() string
	State() capture.State
	IsReady() bool
	Resolution() (width, height int)
	Kind() detector.Kind
	Stats() tracking.Stats
	Enabled() bool
	SetEnabled(enabled bool) error
	ReloadModel() error
}

// ResultSource provides the latest transformed landmark result.
type ResultSource interface {
	Latest() detector.Result
}

// Controller is everything the API needs from the application.
type Controller interface {
	DeviceController
	TransformController
	SessionController
	ResultSource
}

// validate checks request bodies against their validate tags.
var validate = validator.New()

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps session and model errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidDeviceIndex):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrNoDevicesFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, capture.ErrStreamOpenFailed):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrSessionClosed),
		errors.Is(err, detector.ErrModelLoadFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeSessionError writes err with the status from statusFor.
func writeSessionError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// decodeJSON decodes the request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// validateRequest checks req and describes the first failing fields.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = strings.ToLower(fe.Field()) + " " + describeTag(fe)
	}
	return errors.New(strings.Join(fields, ", "))
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "is invalid"
	}
}
