// Package errors defines S3-compatible error types used throughout driftstore.
package errors

import "fmt"

// S3Error represents an S3 API error with a machine-readable code,
// human-readable message, HTTP status code, and optional extra fields.
type S3Error struct {
	// Code is the S3 error code (e.g., "NoSuchBucket", "AccessDenied").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 403).
	HTTPStatus int
	// ExtraFields holds additional key-value pairs included in the XML error response.
	ExtraFields map[string]string
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of the S3Error with the given extra field set.
// The catalog value is left untouched.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the S3Error with a more specific message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Authentication and authorization errors.
var (
	// ErrAccessDenied is returned when the caller lacks permission.
	ErrAccessDenied = &S3Error{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: 403,
	}

	// ErrInvalidAccessKeyID is returned when the access key is unknown.
	ErrInvalidAccessKeyID = &S3Error{
		Code:       "InvalidAccessKeyId",
		Message:    "The AWS access key Id you provided does not exist in our records.",
		HTTPStatus: 403,
	}

	// ErrSignatureDoesNotMatch is returned when signature verification fails.
	ErrSignatureDoesNotMatch = &S3Error{
		Code:       "SignatureDoesNotMatch",
		Message:    "The request signature we calculated does not match the signature you provided. Check your key and signing method.",
		HTTPStatus: 403,
	}

	// ErrAuthorizationHeaderMalformed is returned for unparseable Authorization headers.
	ErrAuthorizationHeaderMalformed = &S3Error{
		Code:       "AuthorizationHeaderMalformed",
		Message:    "The authorization header is malformed.",
		HTTPStatus: 400,
	}

	// ErrAuthorizationQueryParametersError is returned for malformed presigned URLs.
	ErrAuthorizationQueryParametersError = &S3Error{
		Code:       "AuthorizationQueryParametersError",
		Message:    "Query-string authentication requires the X-Amz-Algorithm, X-Amz-Credential, X-Amz-Signature, X-Amz-Date, X-Amz-SignedHeaders and X-Amz-Expires parameters.",
		HTTPStatus: 400,
	}

	// ErrRequestTimeTooSkewed is returned when the request clock is outside the tolerance window.
	ErrRequestTimeTooSkewed = &S3Error{
		Code:       "RequestTimeTooSkewed",
		Message:    "The difference between the request time and the server's time is too large.",
		HTTPStatus: 403,
	}

	// ErrExpiredPresignedURL is returned when a presigned URL is past its expiry.
	ErrExpiredPresignedURL = &S3Error{
		Code:       "AccessDenied",
		Message:    "Request has expired",
		HTTPStatus: 403,
	}
)

// Bucket errors.
var (
	ErrNoSuchBucket = &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: 404,
	}

	ErrBucketAlreadyExists = &S3Error{
		Code:       "BucketAlreadyExists",
		Message:    "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.",
		HTTPStatus: 409,
	}

	ErrBucketAlreadyOwnedByYou = &S3Error{
		Code:       "BucketAlreadyOwnedByYou",
		Message:    "Your previous request to create the named bucket succeeded and you already own it.",
		HTTPStatus: 409,
	}

	ErrBucketNotEmpty = &S3Error{
		Code:       "BucketNotEmpty",
		Message:    "The bucket you tried to delete is not empty",
		HTTPStatus: 409,
	}

	ErrInvalidBucketName = &S3Error{
		Code:       "InvalidBucketName",
		Message:    "The specified bucket is not valid.",
		HTTPStatus: 400,
	}

	ErrNoSuchBucketPolicy = &S3Error{
		Code:       "NoSuchBucketPolicy",
		Message:    "The bucket policy does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchCORSConfiguration = &S3Error{
		Code:       "NoSuchCORSConfiguration",
		Message:    "The CORS configuration does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchLifecycleConfiguration = &S3Error{
		Code:       "NoSuchLifecycleConfiguration",
		Message:    "The lifecycle configuration does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchTagSet = &S3Error{
		Code:       "NoSuchTagSet",
		Message:    "The TagSet does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchEncryptionConfiguration = &S3Error{
		Code:       "ServerSideEncryptionConfigurationNotFoundError",
		Message:    "The server side encryption configuration was not found",
		HTTPStatus: 404,
	}
)

// Object errors.
var (
	ErrNoSuchKey = &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchVersion = &S3Error{
		Code:       "NoSuchVersion",
		Message:    "The specified version does not exist.",
		HTTPStatus: 404,
	}

	ErrPreconditionFailed = &S3Error{
		Code:       "PreconditionFailed",
		Message:    "At least one of the pre-conditions you specified did not hold",
		HTTPStatus: 412,
	}

	ErrInvalidRange = &S3Error{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: 416,
	}

	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size.",
		HTTPStatus: 413,
	}
)

// Multipart upload errors.
var (
	ErrNoSuchUpload = &S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.",
		HTTPStatus: 404,
	}

	ErrInvalidPart = &S3Error{
		Code:       "InvalidPart",
		Message:    "One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.",
		HTTPStatus: 400,
	}

	ErrInvalidPartOrder = &S3Error{
		Code:       "InvalidPartOrder",
		Message:    "The list of parts was not in ascending order. Parts list must be specified in order by part number.",
		HTTPStatus: 400,
	}

	// ErrInvalidPartNumber is returned for part numbers outside 1..10000.
	ErrInvalidPartNumber = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Part number must be an integer between 1 and 10000, inclusive",
		HTTPStatus: 400,
	}
)

// Malformed request errors.
var (
	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	ErrInvalidRequest = &S3Error{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: 400,
	}

	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate against our published schema",
		HTTPStatus: 400,
	}

	ErrMalformedPolicy = &S3Error{
		Code:       "MalformedPolicy",
		Message:    "Policies must be valid JSON and the first byte must be '{'",
		HTTPStatus: 400,
	}

	ErrIncompleteBody = &S3Error{
		Code:       "IncompleteBody",
		Message:    "You did not provide the number of bytes specified by the Content-Length HTTP header",
		HTTPStatus: 400,
	}

	ErrMissingContentLength = &S3Error{
		Code:       "MissingContentLength",
		Message:    "You must provide the Content-Length HTTP header.",
		HTTPStatus: 411,
	}

	ErrMethodNotAllowed = &S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: 405,
	}

	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header or query you provided implies functionality that is not implemented",
		HTTPStatus: 501,
	}
)

// Server-side errors.
var (
	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	ErrServiceUnavailable = &S3Error{
		Code:       "ServiceUnavailable",
		Message:    "Reduce your request rate.",
		HTTPStatus: 503,
	}

	// ErrQuotaExceeded is returned when a write would push a bucket past its
	// configured storage quota.
	ErrQuotaExceeded = &S3Error{
		Code:       "QuotaExceeded",
		Message:    "The bucket storage quota has been exceeded",
		HTTPStatus: 507,
	}
)
