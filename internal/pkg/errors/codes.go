package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

// Error codes for different modules
const (
	// Success
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrUnauthorized    = 1003
	ErrForbidden       = 1004
	ErrConflict        = 1005
	ErrTooManyRequests = 1006
	ErrBadRequest      = 1007
	ErrServiceUnavail  = 1008

	// Auth errors (2000-2999)
	ErrAuthInvalidCredentials = 2000
	ErrAuthInvalidToken       = 2001
	ErrAuthTokenExpired       = 2002
	ErrAuthKavitaUnreachable  = 2003

	// Upload errors (4000-4999)
	ErrUploadNotFound         = 4000
	ErrUploadInvalidFileType  = 4001
	ErrUploadFileTooLarge     = 4002
	ErrUploadEmptyFile        = 4003
	ErrUploadInsufficientDisk = 4004
	ErrUploadQuarantineFull   = 4005
	ErrUploadInvalidState     = 4006
	ErrUploadDuplicate        = 4007
	ErrUploadMoveFailed       = 4008
	ErrUploadScanFailed       = 4009
	ErrUploadStorageFailed    = 4010
	ErrUploadMetadataInvalid  = 4011
	ErrUploadMoveInProgress   = 4012
	ErrUploadPreviewFailed    = 4013
)

// codeMap maps error codes to their details
var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	// Common errors
	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrUnauthorized:    {ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	ErrForbidden:       {ErrForbidden, http.StatusForbidden, "Forbidden"},
	ErrConflict:        {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	// Auth errors
	ErrAuthInvalidCredentials: {ErrAuthInvalidCredentials, http.StatusUnauthorized, "Invalid username or password"},
	ErrAuthInvalidToken:       {ErrAuthInvalidToken, http.StatusUnauthorized, "Invalid or expired token"},
	ErrAuthTokenExpired:       {ErrAuthTokenExpired, http.StatusUnauthorized, "Token expired"},
	ErrAuthKavitaUnreachable:  {ErrAuthKavitaUnreachable, http.StatusServiceUnavailable, "Kavita server unreachable"},

	// Upload errors
	ErrUploadNotFound:         {ErrUploadNotFound, http.StatusNotFound, "Upload not found"},
	ErrUploadInvalidFileType:  {ErrUploadInvalidFileType, http.StatusBadRequest, "Unsupported file type"},
	ErrUploadFileTooLarge:     {ErrUploadFileTooLarge, http.StatusRequestEntityTooLarge, "File size exceeds limit"},
	ErrUploadEmptyFile:        {ErrUploadEmptyFile, http.StatusBadRequest, "File is empty"},
	ErrUploadInsufficientDisk: {ErrUploadInsufficientDisk, http.StatusInsufficientStorage, "Insufficient disk space"},
	ErrUploadQuarantineFull:   {ErrUploadQuarantineFull, http.StatusInsufficientStorage, "Quarantine storage limit reached"},
	ErrUploadInvalidState:     {ErrUploadInvalidState, http.StatusConflict, "Upload is not in a valid state for this operation"},
	ErrUploadDuplicate:        {ErrUploadDuplicate, http.StatusConflict, "Duplicate file detected"},
	ErrUploadMoveFailed:       {ErrUploadMoveFailed, http.StatusInternalServerError, "File move failed"},
	ErrUploadScanFailed:       {ErrUploadScanFailed, http.StatusInternalServerError, "Virus scan failed"},
	ErrUploadStorageFailed:    {ErrUploadStorageFailed, http.StatusInternalServerError, "Storage operation failed"},
	ErrUploadMetadataInvalid:  {ErrUploadMetadataInvalid, http.StatusBadRequest, "Metadata validation failed"},
	ErrUploadMoveInProgress:   {ErrUploadMoveInProgress, http.StatusConflict, "Move already in progress"},
	ErrUploadPreviewFailed:    {ErrUploadPreviewFailed, http.StatusInternalServerError, "Preview generation failed"},
}

// GetCode returns the Code for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsSuccess checks if the code represents success
func IsSuccess(code int) bool {
	return code == Success
}

// IsClientError checks if the code represents a client error (4xx)
func IsClientError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 400 && status < 500
}

// IsServerError checks if the code represents a server error (5xx)
func IsServerError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 500
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
