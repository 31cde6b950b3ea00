/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
HTTP responses and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the detailed CustomError struct corresponding to every application error code.
// The key is the error code (int), and the value contains the user message and HTTP status code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrFormParseFailed:       {Code: ErrFormParseFailed, Message: "Failed to process uploaded data.", Status: http.StatusBadRequest},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large.", Status: http.StatusRequestEntityTooLarge},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Room and Content Business Logic Errors
	ErrRoomNotFound:     {Code: ErrRoomNotFound, Message: "room not found", Status: http.StatusNotFound},
	ErrRoomExists:       {Code: ErrRoomExists, Message: "room already exists", Status: http.StatusConflict},
	ErrWrongPassword:    {Code: ErrWrongPassword, Message: "wrong password", Status: http.StatusForbidden},
	ErrRoomProtected:    {Code: ErrRoomProtected, Message: "protected room", Status: http.StatusForbidden},
	ErrMessageNotFound:  {Code: ErrMessageNotFound, Message: "message not found", Status: http.StatusNotFound},
	ErrFileSizeTooLarge: {Code: ErrFileSizeTooLarge, Message: "File is too large.", Status: http.StatusRequestEntityTooLarge},

	// 3xxx: Session, Protocol, and Security Errors
	ErrProtocolViolation: {Code: ErrProtocolViolation, Message: "first frame must be a join request"},
	ErrDecryptFailed:     {Code: ErrDecryptFailed, Message: "unable to decrypt message"},
	ErrRoomDeleted:       {Code: ErrRoomDeleted, Message: "room was deleted"},
	ErrInvalidAdminToken: {Code: ErrInvalidAdminToken, Message: "invalid admin token", Status: http.StatusUnauthorized},

	// 5xxx: Internal System Errors
	ErrUnknown:           {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrFileStorageFailed: {Code: ErrFileStorageFailed, Message: "File upload failed. Please try again.", Status: http.StatusInternalServerError},
	ErrPersistenceFailed: {Code: ErrPersistenceFailed, Message: "Chat history is temporarily unavailable.", Status: http.StatusInternalServerError},
}
