/*
Package errs provides custom error types and application-level error code constants.

These error codes are used to clearly identify specific business or system errors
both internally within the server and in communication with clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect (e.g., syntax error).
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrFormParseFailed indicates failure to parse multipart or URL-encoded form data.
	ErrFormParseFailed = 1005

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Room and Content Business Logic Errors
const (
	// ErrRoomNotFound indicates that the referenced room does not exist.
	ErrRoomNotFound = 2101

	// ErrRoomExists indicates that the attempted room name for creation already exists.
	ErrRoomExists = 2102

	// ErrWrongPassword indicates that the supplied room password did not match.
	ErrWrongPassword = 2103

	// ErrRoomProtected indicates that the room may not be deleted.
	ErrRoomProtected = 2104

	// ErrMessageNotFound indicates that the referenced message id does not exist.
	ErrMessageNotFound = 2201

	// ErrFileSizeTooLarge indicates that an uploaded file exceeded the size limit.
	ErrFileSizeTooLarge = 2301
)

// 3xxx: Session, Protocol, and Security Errors
const (
	// ErrProtocolViolation indicates that the first frame was not a valid join request.
	ErrProtocolViolation = 3001

	// ErrDecryptFailed indicates that an inbound cipher envelope could not be opened.
	ErrDecryptFailed = 3002

	// ErrRoomDeleted indicates that the session was closed because the room was torn down.
	ErrRoomDeleted = 3003

	// ErrInvalidAdminToken indicates that the X-Admin-Token header was missing or wrong.
	ErrInvalidAdminToken = 3101
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates that storing or addressing an uploaded file failed.
	ErrFileStorageFailed = 5101

	// ErrPersistenceFailed indicates a chat history read or write failure.
	ErrPersistenceFailed = 5201
)
