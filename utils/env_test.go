package utils

import (
	"reflect"
	"strconv"
	"testing"
)

func TestParseEnv(t *testing.T) {
	n := 7
	if err := ParseEnv("MSGBOARD_TEST_UNSET", &n, strconv.Atoi); err != nil || n != 7 {
		t.Fatalf("unset key changed value: n=%d err=%v", n, err)
	}

	t.Setenv("MSGBOARD_TEST_NUM", "42")
	if err := ParseEnv("MSGBOARD_TEST_NUM", &n, strconv.Atoi); err != nil || n != 42 {
		t.Fatalf("expected 42, got n=%d err=%v", n, err)
	}

	t.Setenv("MSGBOARD_TEST_NUM", "forty")
	if err := ParseEnv("MSGBOARD_TEST_NUM", &n, strconv.Atoi); err == nil {
		t.Fatal("expected parse error")
	}
	if n != 42 {
		t.Errorf("failed parse must leave value alone, got %d", n)
	}
}

func TestGetEnvList(t *testing.T) {
	if got := GetEnvList("MSGBOARD_TEST_LIST"); got != nil {
		t.Errorf("expected nil for unset key, got %v", got)
	}
	t.Setenv("MSGBOARD_TEST_LIST", " https://a.example, ,https://b.example ")
	want := []string{"https://a.example", "https://b.example"}
	if got := GetEnvList("MSGBOARD_TEST_LIST"); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
