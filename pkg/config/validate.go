package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
)

// ValidationError is one failed input rule.
type ValidationError struct {
	// Field is the input name, in the module surface spelling
	// (e.g. "root_volume_size", "ingress_rules[1].from_port").
	Field string `json:"field"`

	// Message describes the violated rule.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is the full set of failures from one validation pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid configuration (%d problem(s)): %s",
		len(e), strings.Join(msgs, "; "))
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields under their input names, not Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

// Validate applies defaults to the raw inputs, runs every declared rule and
// returns an immutable Snapshot. All failures are collected; the returned
// error is a ValidationErrors listing each one. Cross-field rules that depend
// on conditional resource presence (key pair public key, alarm monitoring
// granularity) are apply-time preconditions, not checked here.
func Validate(in *Inputs) (*Snapshot, error) {
	snap := applyDefaults(in)

	var errs ValidationErrors

	if err := structValidator.Struct(snap); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe),
				Message: ruleMessage(fe),
			})
		}
	}

	errs = append(errs, crossChecks(snap)...)

	if len(errs) > 0 {
		return nil, errs
	}
	return snap, nil
}

// fieldPath strips the root struct name from the validator namespace, leaving
// the input-surface path ("ingress_rules[0].from_port").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

// ruleMessage renders a violated rule in input terms.
func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed rule %q", fe.Tag())
	}
}

// crossChecks covers the rules struct tags cannot express. Like the tag
// checks, every failure is reported.
func crossChecks(snap *Snapshot) ValidationErrors {
	var errs ValidationErrors

	checkRules := func(field string, rules []Rule) {
		for i, r := range rules {
			if r.FromPort > r.ToPort {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: fmt.Sprintf("from_port %d exceeds to_port %d", r.FromPort, r.ToPort),
				})
			}
		}
	}
	checkRules("ingress_rules", snap.IngressRules)
	checkRules("egress_rules", snap.EgressRules)

	if snap.AlarmPeriod%60 != 0 {
		errs = append(errs, ValidationError{
			Field:   "alarm_period",
			Message: fmt.Sprintf("must be a multiple of 60, got %d", snap.AlarmPeriod),
		})
	}

	if snap.SSHPublicKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(snap.SSHPublicKey)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "ssh_public_key",
				Message: fmt.Sprintf("not a valid authorized-keys entry: %v", err),
			})
		}
	}

	return errs
}

// applyDefaults merges declared defaults over omitted optional inputs and
// deep-copies all reference-typed values so the Snapshot cannot alias caller
// memory.
func applyDefaults(in *Inputs) *Snapshot {
	snap := &Snapshot{
		Name:                   in.Name,
		AMIID:                  in.AMIID,
		InstanceType:           strOr(in.InstanceType, "t3.micro"),
		SubnetID:               in.SubnetID,
		VPCID:                  in.VPCID,
		AssociatePublicIP:      boolOr(in.AssociatePublicIP, false),
		UserData:               strOr(in.UserData, ""),
		EnableMonitoring:       boolOr(in.EnableMonitoring, false),
		MetadataHopLimit:       intOr(in.MetadataHopLimit, 1),
		RootVolumeType:         strOr(in.RootVolumeType, "gp3"),
		RootVolumeSize:         intOr(in.RootVolumeSize, 20),
		RootVolumeEncrypted:    boolOr(in.RootVolumeEncrypted, true),
		CreateKeyPair:          boolOr(in.CreateKeyPair, false),
		KeyName:                strOr(in.KeyName, ""),
		SSHPublicKey:           strOr(in.SSHPublicKey, ""),
		CreateCPUAlarm:         boolOr(in.CreateCPUAlarm, false),
		AlarmCPUThreshold:      floatOr(in.AlarmCPUThreshold, 80),
		AlarmPeriod:            intOr(in.AlarmPeriod, 300),
		AlarmEvaluationPeriods: intOr(in.AlarmEvaluationPeriods, 2),
		AlarmActions:           append([]string(nil), in.AlarmActions...),
		Tags:                   copyTags(in.Tags),
	}

	snap.IngressRules = convertRules(in.IngressRules)
	if in.EgressRules != nil {
		snap.EgressRules = convertRules(*in.EgressRules)
	} else {
		snap.EgressRules = []Rule{{
			FromPort:    0,
			ToPort:      0,
			Protocol:    "-1",
			CIDRBlocks:  []string{"0.0.0.0/0"},
			Description: "allow all egress",
		}}
	}

	snap.AdditionalVolumes = make([]Volume, len(in.AdditionalVolumes))
	for i, v := range in.AdditionalVolumes {
		snap.AdditionalVolumes[i] = Volume{
			DeviceName:          v.DeviceName,
			VolumeType:          v.VolumeType,
			VolumeSize:          v.VolumeSize,
			Encrypted:           v.Encrypted,
			DeleteOnTermination: copyBoolPtr(v.DeleteOnTermination),
			IOPS:                copyIntPtr(v.IOPS),
			Throughput:          copyIntPtr(v.Throughput),
		}
	}

	return snap
}

func convertRules(in []RuleInput) []Rule {
	out := make([]Rule, len(in))
	for i, r := range in {
		out[i] = Rule{
			FromPort:    r.FromPort,
			ToPort:      r.ToPort,
			Protocol:    r.Protocol,
			CIDRBlocks:  append([]string(nil), r.CIDRBlocks...),
			Description: r.Description,
		}
	}
	return out
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func strOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyBoolPtr(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
