package broker

import (
	"errors"
	"fmt"
)

// Venue error codes returned by the SmartAPI, mapped to human-readable causes.
// Unmapped codes still produce an *APIError with a generic cause.
var errorCauses = map[string]string{
	"AG8001": "Invalid Token",
	"AG8002": "Token Expired",
	"AG8003": "Token missing",
	"AB8050": "Invalid Refresh Token",
	"AB8051": "Refresh Token Expired",
	"AB1000": "Invalid Email Or Password",
	"AB1001": "Invalid Email",
	"AB1002": "Invalid Password Length",
	"AB1003": "Client Already Exists",
	"AB1004": "Something Went Wrong, Please Try After Sometime",
	"AB1005": "User Type Must Be USER",
	"AB1006": "Client Is Block For Trading",
	"AB1007": "AMX Error",
	"AB1008": "Invalid Order Variety",
	"AB1009": "Symbol Not Found",
	"AB1010": "AMX Session Expired",
	"AB1011": "Client not login",
	"AB1012": "Invalid Product Type",
	"AB1013": "Order not found",
	"AB1014": "Trade not found",
	"AB1015": "Holding not found",
	"AB1016": "Position not found",
	"AB1017": "Position conversion failed",
	"AB1018": "Failed to get symbol details",
	"AB1031": "Old Password Mismatch",
	"AB1032": "User Not Found",
	"AB2000": "Error not specified",
	"AB2001": "Internal Error, Please try after sometime",
	"AB2002": "ROBO order is block",
	"AB4008": "ordertag length should be less than 20 characters",
}

// Fallback codes used when the venue omits one.
const (
	codeUnspecified = "AB2000"
	codeInternal    = "AB2001"
	codeNotLoggedIn = "AB1011"
)

// APIError represents a venue-reported failure carrying the venue error code.
type APIError struct {
	Code    string
	Message string
}

// NewAPIError builds an APIError, filling the message from the code map when
// the venue did not supply one.
func NewAPIError(code, message string) *APIError {
	if code == "" {
		code = codeUnspecified
	}
	if message == "" {
		if cause, ok := errorCauses[code]; ok {
			message = cause
		} else {
			message = "Unknown error"
		}
	}
	return &APIError{Code: code, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsAPIError unwraps err into an *APIError if it carries one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ValidationError marks a caller-supplied parameter outside the supported set.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// IsValidationError reports whether err is a caller-input failure.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
