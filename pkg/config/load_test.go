package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `
name: web
ami_id: ami-0abc123
subnet_id: subnet-1
vpc_id: vpc-1
associate_public_ip: true
ingress_rules:
  - from_port: 443
    to_port: 443
    protocol: tcp
    cidr_blocks: ["0.0.0.0/0"]
    description: https
additional_volumes:
  - device_name: /dev/xvdb
    volume_type: gp3
    volume_size: 100
tags:
  env: staging
`

func TestParse(t *testing.T) {
	in, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if in.Name != "web" {
		t.Errorf("name = %q, want web", in.Name)
	}
	if in.AssociatePublicIP == nil || !*in.AssociatePublicIP {
		t.Error("associate_public_ip should be explicitly true")
	}
	if in.InstanceType != nil {
		t.Error("omitted instance_type should stay nil for defaulting")
	}
	if len(in.IngressRules) != 1 || in.IngressRules[0].ToPort != 443 {
		t.Errorf("ingress_rules = %+v", in.IngressRules)
	}
	if len(in.AdditionalVolumes) != 1 || in.AdditionalVolumes[0].DeviceName != "/dev/xvdb" {
		t.Errorf("additional_volumes = %+v", in.AdditionalVolumes)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	doc := `
name: web
ami_id: ami-0abc123
instance_tpye: t3.large
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("misspelled keys must be rejected")
	}
}

func TestParse_EmptyEgressVsOmitted(t *testing.T) {
	in, err := Parse([]byte("name: web\negress_rules: []\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if in.EgressRules == nil || len(*in.EgressRules) != 0 {
		t.Error("explicit empty egress list should decode as an empty, non-nil slice")
	}

	in, err = Parse([]byte("name: web\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if in.EgressRules != nil {
		t.Error("omitted egress list should decode as nil")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inputs.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	in, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if in.Tags["env"] != "staging" {
		t.Errorf("tags = %v", in.Tags)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}
