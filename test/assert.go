package test

import "testing"

func Equal[T comparable](t *testing.T, expected, actual T) {
	t.Helper()

	if expected != actual {
		t.Errorf(""+
			"Not equal: \n"+
			"Expected: %v\n"+
			"Actual: %v", expected, actual)
	}
}

func True(t *testing.T, ok bool, msg string) {
	t.Helper()

	if !ok {
		t.Error(msg)
	}
}
