package main

import (
	"flag"
	"reflect"
	"testing"
)

func TestChromiumArgFlagRepeats(t *testing.T) {
	var args stringList
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Var(&args, "chromium-arg", "")
	err := fs.Parse([]string{
		"--chromium-arg=--no-sandbox",
		"--chromium-arg=--proxy-server=socks5://127.0.0.1:1080",
		"--chromium-arg= ",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []string{"--no-sandbox", "--proxy-server=socks5://127.0.0.1:1080"}
	if !reflect.DeepEqual([]string(args), want) {
		t.Fatalf("collected args = %v, want %v", args, want)
	}
}
