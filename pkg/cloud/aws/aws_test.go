package aws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/lmeireles/snapex/pkg/cloud"
)

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchBucket", cloud.ErrNotFound},
		{"InvalidVolume.NotFound", cloud.ErrNotFound},
		{"InvalidInstanceID.NotFound", cloud.ErrNotFound},
		{"BucketAlreadyOwnedByYou", cloud.ErrAlreadyExists},
	}

	for _, tt := range tests {
		if got := translate(apiErr(tt.code)); !errors.Is(got, tt.want) {
			t.Errorf("translate(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}

	denied := apiErr("AccessDenied")
	if got := translate(denied); got != denied {
		t.Errorf("expected AccessDenied to pass through, got %v", got)
	}
}

func TestClassifyInstanceError(t *testing.T) {
	if err := classifyInstanceError("m5.large", apiErr("InsufficientInstanceCapacity")); !cloud.IsCapacity(err) {
		t.Errorf("expected capacity error, got %v", err)
	}
	if err := classifyInstanceError("m5.large", apiErr("UnauthorizedOperation")); cloud.IsCapacity(err) {
		t.Errorf("permission error must not be treated as capacity: %v", err)
	}
}

func TestWriterPolicy(t *testing.T) {
	doc, err := writerPolicy("snapex-b-abc123", "arn:aws:iam::123456789012:role/snapex")
	if err != nil {
		t.Fatalf("writerPolicy failed: %v", err)
	}

	var p bucketPolicy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("policy is not valid JSON: %v", err)
	}
	if len(p.Statement) != 1 {
		t.Fatalf("expected one statement, got %d", len(p.Statement))
	}
	st := p.Statement[0]
	if st.Resource[0] != "arn:aws:s3:::snapex-b-abc123/*" {
		t.Errorf("grant must be scoped to the session bucket, got %v", st.Resource)
	}
	for _, a := range st.Action {
		if a == "s3:*" || a == "s3:DeleteBucket" {
			t.Errorf("grant is broader than object writes: %v", st.Action)
		}
	}
}

func TestUserData(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(userData("snapex", "ssh-ed25519 AAAA test\n"))
	if err != nil {
		t.Fatalf("user data is not base64: %v", err)
	}
	doc := string(raw)
	if !strings.HasPrefix(doc, "#cloud-config") {
		t.Error("expected cloud-config header")
	}
	if !strings.Contains(doc, "- ssh-ed25519 AAAA test\n") || !strings.Contains(doc, "name: snapex") {
		t.Errorf("unexpected user data:\n%s", doc)
	}
}
