package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/driftstore/driftstore/internal/auth"
	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/policy"
	"github.com/driftstore/driftstore/internal/store"
)

// Authorize evaluates the bucket policy, if one exists, against the
// authenticated caller. Without a policy authentication alone governs and
// the request proceeds. A policy that cannot be parsed denies everything;
// storing one requires passing validation first, so a corrupt document
// means the file was modified out of band.
func Authorize(st *store.Store, r *http.Request, bucket, key string) *s3err.S3Error {
	if bucket == "" {
		return nil
	}

	doc, err := st.BucketPolicy(bucket)
	if err != nil {
		if errors.Is(err, store.ErrPolicyNotFound) || errors.Is(err, store.ErrBucketNotFound) {
			return nil
		}
		slog.Error("reading bucket policy", "bucket", bucket, "error", err)
		return s3err.ErrInternalError
	}

	parsed, err := policy.Parse([]byte(doc))
	if err != nil {
		slog.Error("stored bucket policy does not parse", "bucket", bucket, "error", err)
		return s3err.ErrAccessDenied
	}

	req := policy.Request{
		Principal: auth.AccessKeyFromContext(r.Context()),
		Action:    policy.ActionForRequest(r.Method, key),
		Resource:  policy.ResourceARN(bucket, key),
		SourceIP:  clientIP(r),
	}
	if parsed.Evaluate(req) != policy.Allow {
		return s3err.ErrAccessDenied
	}
	return nil
}
