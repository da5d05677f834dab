package auth

import (
	"net/http"
	"strings"

	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

// Middleware returns HTTP middleware that enforces AWS SigV4 authentication
// on all requests except CORS preflight and excluded paths (/health, /metrics,
// /docs, /openapi.json). On success, the authenticated access key is set on
// the request context.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Preflight requests carry no signature.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			// Skip authentication for excluded paths.
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			// Detect authentication method.
			method := DetectAuthMethod(r)

			switch method {
			case "none":
				xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
				return

			case "ambiguous":
				xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
					Code:       "InvalidArgument",
					Message:    "Only one auth mechanism allowed; found both Authorization header and query string parameters",
					HTTPStatus: 400,
				})
				return

			case "header":
				accessKey, err := verifier.VerifyRequest(r)
				if err != nil {
					writeAuthError(w, r, err)
					return
				}
				r = r.WithContext(contextWithAccessKey(r.Context(), accessKey))

			case "presigned":
				accessKey, err := verifier.VerifyPresigned(r)
				if err != nil {
					writeAuthError(w, r, err)
					return
				}
				r = r.WithContext(contextWithAccessKey(r.Context(), accessKey))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError maps an AuthError to the appropriate S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "AuthorizationHeaderMalformed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthorizationHeaderMalformed)
	case "AuthorizationQueryParametersError":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthorizationQueryParametersError.WithMessage(authErr.Message))
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyID)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrRequestTimeTooSkewed)
	case "AccessDenied":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied.WithMessage(authErr.Message))
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	}
}
