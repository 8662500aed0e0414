package dispatcherr

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatus_MapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:          http.StatusBadRequest,
		KindUnauthorized:        http.StatusUnauthorized,
		KindForbidden:           http.StatusForbidden,
		KindNotFound:            http.StatusNotFound,
		KindInvalidTransition:   http.StatusConflict,
		KindOfferExpired:        http.StatusConflict,
		KindCaptainUnavailable:  http.StatusConflict,
		KindIdempotencyConflict: http.StatusConflict,
		KindRateLimited:         http.StatusTooManyRequests,
		KindDependency:          http.StatusBadGateway,
		KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		got := HTTPStatus(New(kind, "boom"))
		if got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestHTTPStatus_NonDispatchErrorIsInternal(t *testing.T) {
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain error) = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestWrap_PreservesCauseForUnwrapButNotEquality(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindDependency, "save job", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if KindOf(err) != KindDependency {
		t.Fatalf("KindOf = %s, want %s", KindOf(err), KindDependency)
	}
}

func TestIs(t *testing.T) {
	err := New(KindOfferExpired, "offer expired")
	if !Is(err, KindOfferExpired) {
		t.Fatalf("expected Is to match KindOfferExpired")
	}
	if Is(err, KindNotFound) {
		t.Fatalf("expected Is not to match KindNotFound")
	}
}

func TestKindOf_EmptyForPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty Kind for a non-dispatcherr error")
	}
}
