package kbuild

import (
	"flag"
	"testing"
)

func TestConfigListRepeatable(t *testing.T) {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	var configs configList
	fs.Var(&configs, "config", "")

	if err := fs.Parse([]string{"-config", "a.ini", "-config", "b.ini"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(configs) != 2 || configs[0] != "a.ini" || configs[1] != "b.ini" {
		t.Errorf("configs = %v", configs)
	}
	if configs.String() != "a.ini,b.ini" {
		t.Errorf("String() = %q", configs.String())
	}
}

func TestHandleBuildCommandRequiresConfig(t *testing.T) {
	if err := handleBuildCommand(t.Context(), nil); err == nil {
		t.Fatal("expected error without -config")
	}
}
