package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func ptr[T any](v T) *T { return &v }

func minimalInputs() *Inputs {
	return &Inputs{
		Name:     "web",
		AMIID:    "ami-0abc123",
		SubnetID: "subnet-1",
		VPCID:    "vpc-1",
	}
}

func testAuthorizedKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to convert key: %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func fieldErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Expected ValidationErrors, got: %v", err)
	}
	return errs
}

func hasField(errs ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_Defaults(t *testing.T) {
	snap, err := Validate(minimalInputs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if snap.InstanceType != "t3.micro" {
		t.Errorf("instance_type = %q, want t3.micro", snap.InstanceType)
	}
	if snap.RootVolumeType != "gp3" || snap.RootVolumeSize != 20 || !snap.RootVolumeEncrypted {
		t.Errorf("root volume defaults = %s/%d/%v, want gp3/20/true",
			snap.RootVolumeType, snap.RootVolumeSize, snap.RootVolumeEncrypted)
	}
	if snap.MetadataHopLimit != 1 {
		t.Errorf("metadata_hop_limit = %d, want 1", snap.MetadataHopLimit)
	}
	if snap.AssociatePublicIP || snap.EnableMonitoring || snap.CreateKeyPair || snap.CreateCPUAlarm {
		t.Error("boolean toggles must default to false")
	}
	if snap.AlarmCPUThreshold != 80 || snap.AlarmPeriod != 300 || snap.AlarmEvaluationPeriods != 2 {
		t.Errorf("alarm defaults = %v/%d/%d, want 80/300/2",
			snap.AlarmCPUThreshold, snap.AlarmPeriod, snap.AlarmEvaluationPeriods)
	}
}

func TestValidate_EgressDefaultsToAllowAll(t *testing.T) {
	snap, err := Validate(minimalInputs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(snap.EgressRules) != 1 {
		t.Fatalf("Expected 1 default egress rule, got %d", len(snap.EgressRules))
	}
	rule := snap.EgressRules[0]
	if rule.Protocol != "-1" || len(rule.CIDRBlocks) != 1 || rule.CIDRBlocks[0] != "0.0.0.0/0" {
		t.Errorf("default egress = %+v, want allow-all", rule)
	}
}

func TestValidate_ExplicitEmptyEgress(t *testing.T) {
	in := minimalInputs()
	in.EgressRules = &[]RuleInput{}

	snap, err := Validate(in)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(snap.EgressRules) != 0 {
		t.Errorf("explicit empty egress list produced %d rules, want 0", len(snap.EgressRules))
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	in := &Inputs{
		Name:           "",
		SubnetID:       "subnet-1",
		VPCID:          "vpc-1",
		RootVolumeSize: ptr(7),
		AlarmPeriod:    ptr(90),
	}

	_, err := Validate(in)
	errs := fieldErrors(t, err)

	if len(errs) < 4 {
		t.Fatalf("Expected at least 4 failures, got %d: %v", len(errs), errs)
	}
	for _, field := range []string{"name", "ami_id", "root_volume_size", "alarm_period"} {
		if !hasField(errs, field) {
			t.Errorf("missing failure for %s in %v", field, errs)
		}
	}
}

func TestValidate_RootVolumeSizeBoundary(t *testing.T) {
	in := minimalInputs()
	in.RootVolumeSize = ptr(8)
	if _, err := Validate(in); err != nil {
		t.Errorf("root_volume_size=8 should pass, got: %v", err)
	}

	in.RootVolumeSize = ptr(7)
	_, err := Validate(in)
	if !hasField(fieldErrors(t, err), "root_volume_size") {
		t.Error("root_volume_size=7 should fail")
	}
}

func TestValidate_InvertedPortRange(t *testing.T) {
	in := minimalInputs()
	in.IngressRules = []RuleInput{
		{FromPort: 443, ToPort: 443, Protocol: "tcp", CIDRBlocks: []string{"10.0.0.0/8"}},
		{FromPort: 9000, ToPort: 80, Protocol: "tcp", CIDRBlocks: []string{"10.0.0.0/8"}},
	}

	_, err := Validate(in)
	errs := fieldErrors(t, err)
	if !hasField(errs, "ingress_rules[1]") {
		t.Errorf("Expected failure on ingress_rules[1], got: %v", errs)
	}
	if hasField(errs, "ingress_rules[0]") {
		t.Errorf("ingress_rules[0] is valid, got: %v", errs)
	}
}

func TestValidate_AlarmPeriodRules(t *testing.T) {
	in := minimalInputs()
	in.AlarmPeriod = ptr(45)
	_, err := Validate(in)
	errs := fieldErrors(t, err)
	if !hasField(errs, "alarm_period") {
		t.Errorf("alarm_period=45 should fail both rules, got: %v", errs)
	}

	in.AlarmPeriod = ptr(120)
	if _, err := Validate(in); err != nil {
		t.Errorf("alarm_period=120 should pass, got: %v", err)
	}
}

func TestValidate_RootVolumeType(t *testing.T) {
	in := minimalInputs()
	in.RootVolumeType = ptr("magnetic")
	_, err := Validate(in)
	if !hasField(fieldErrors(t, err), "root_volume_type") {
		t.Error("unknown volume type should fail")
	}
}

func TestValidate_SSHPublicKey(t *testing.T) {
	in := minimalInputs()
	in.SSHPublicKey = ptr("not an authorized key")
	_, err := Validate(in)
	if !hasField(fieldErrors(t, err), "ssh_public_key") {
		t.Error("malformed public key should fail")
	}

	in.SSHPublicKey = ptr(testAuthorizedKey(t))
	if _, err := Validate(in); err != nil {
		t.Errorf("valid public key should pass, got: %v", err)
	}
}

func TestValidate_EmptySSHKeyWithKeyPairIsDeferred(t *testing.T) {
	// An empty public key with create_key_pair=true is an apply-time
	// precondition, not a validation failure.
	in := minimalInputs()
	in.CreateKeyPair = ptr(true)

	if _, err := Validate(in); err != nil {
		t.Errorf("Expected no validation error, got: %v", err)
	}
}

func TestValidate_SnapshotDoesNotAliasInputs(t *testing.T) {
	in := minimalInputs()
	in.Tags = map[string]string{"env": "test"}
	in.IngressRules = []RuleInput{
		{FromPort: 80, ToPort: 80, Protocol: "tcp", CIDRBlocks: []string{"0.0.0.0/0"}},
	}

	snap, err := Validate(in)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	in.Tags["env"] = "mutated"
	in.IngressRules[0].CIDRBlocks[0] = "192.168.0.0/16"

	if snap.Tags["env"] != "test" {
		t.Error("snapshot tags alias caller memory")
	}
	if snap.IngressRules[0].CIDRBlocks[0] != "0.0.0.0/0" {
		t.Error("snapshot rules alias caller memory")
	}
}
