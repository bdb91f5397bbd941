package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"syscall"

	"google.golang.org/api/googleapi"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// ErrCredentialsMissing is returned when a client is created without username or secret
type ErrCredentialsMissing struct {
	Service string
}

func (e ErrCredentialsMissing) Error() string {
	return fmt.Sprintf("%s: credentials were not provided", e.Service)
}

// ErrTokenNotObtained is returned when the login response does not carry a token
type ErrTokenNotObtained struct {
	Service string
}

func (e ErrTokenNotObtained) Error() string {
	return fmt.Sprintf("%s: token not obtained", e.Service)
}

// ErrRequestTimedOut is returned when every attempt of a request timed out
type ErrRequestTimedOut struct {
	URL     string
	Retries int
}

func (e ErrRequestTimedOut) Error() string {
	return fmt.Sprintf("request to %s timed out after %d retries", e.URL, e.Retries)
}

// Temporary implements errTmpIf: the whole run may be retried later
func (e ErrRequestTimedOut) Temporary() bool { return true }

// ErrRequestNotOK is returned when the server answers with an unexpected status
type ErrRequestNotOK struct {
	URL        string
	StatusCode int
}

func (e ErrRequestNotOK) Error() string {
	return fmt.Sprintf("request to %s: status code is %d", e.URL, e.StatusCode)
}

// IsTimeout returns whether the error is a network or deadline timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	var gapiError *googleapi.Error
	if errors.As(err, &gapiError) {
		return gapiError.Code == 429 || gapiError.Code == 500
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}
