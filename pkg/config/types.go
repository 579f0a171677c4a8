// Package config defines the typed input surface of the compute-stack bundle
// and turns raw caller-supplied values into an immutable, validated Snapshot.
// Validation collects every failure in one pass so a caller sees all problems
// at once instead of fixing them one at a time.
package config

// Inputs is the raw, caller-supplied input document before defaulting.
// Pointer fields distinguish "omitted" (default applies) from an explicit
// zero value.
type Inputs struct {
	// Name is the bundle name; it seeds per-resource names and the Name tag.
	Name string `yaml:"name"`

	// AMIID is the machine image the instance boots from.
	AMIID string `yaml:"ami_id"`

	// InstanceType is the instance size (e.g. "t3.micro").
	InstanceType *string `yaml:"instance_type"`

	// SubnetID is the subnet the instance is launched into.
	SubnetID string `yaml:"subnet_id"`

	// VPCID is the VPC the security group is created in.
	VPCID string `yaml:"vpc_id"`

	// AssociatePublicIP requests a public address on launch.
	AssociatePublicIP *bool `yaml:"associate_public_ip"`

	// UserData is the boot script passed to the instance.
	UserData *string `yaml:"user_data"`

	// EnableMonitoring enables detailed (1-minute) instance monitoring.
	EnableMonitoring *bool `yaml:"enable_monitoring"`

	// MetadataHopLimit is the IMDS hop limit.
	MetadataHopLimit *int `yaml:"metadata_hop_limit"`

	// IngressRules are the security group ingress rules, in order.
	IngressRules []RuleInput `yaml:"ingress_rules"`

	// EgressRules are the security group egress rules. When omitted a single
	// allow-all rule is applied; an explicit empty list means no egress.
	EgressRules *[]RuleInput `yaml:"egress_rules"`

	// RootVolumeType is the root EBS volume type.
	RootVolumeType *string `yaml:"root_volume_type"`

	// RootVolumeSize is the root volume size in GiB.
	RootVolumeSize *int `yaml:"root_volume_size"`

	// RootVolumeEncrypted controls root volume encryption.
	RootVolumeEncrypted *bool `yaml:"root_volume_encrypted"`

	// AdditionalVolumes are extra EBS volumes attached at launch, in order.
	AdditionalVolumes []VolumeInput `yaml:"additional_volumes"`

	// CreateKeyPair controls whether a key pair resource is created. When
	// false the instance uses the existing key named by KeyName.
	CreateKeyPair *bool `yaml:"create_key_pair"`

	// KeyName is an existing key pair name, used when CreateKeyPair is false.
	KeyName *string `yaml:"key_name"`

	// SSHPublicKey is the public key material for the created key pair.
	SSHPublicKey *string `yaml:"ssh_public_key"`

	// CreateCPUAlarm controls whether a CPU utilization alarm is created.
	CreateCPUAlarm *bool `yaml:"create_cpu_alarm"`

	// AlarmCPUThreshold is the alarm threshold in percent.
	AlarmCPUThreshold *float64 `yaml:"alarm_cpu_threshold"`

	// AlarmPeriod is the alarm evaluation period in seconds.
	AlarmPeriod *int `yaml:"alarm_period"`

	// AlarmEvaluationPeriods is the number of periods evaluated.
	AlarmEvaluationPeriods *int `yaml:"alarm_evaluation_periods"`

	// AlarmActions are ARNs notified when the alarm fires.
	AlarmActions []string `yaml:"alarm_actions"`

	// Tags are applied to every created resource.
	Tags map[string]string `yaml:"tags"`
}

// RuleInput is one ingress or egress rule as supplied by the caller.
type RuleInput struct {
	FromPort    int      `yaml:"from_port"`
	ToPort      int      `yaml:"to_port"`
	Protocol    string   `yaml:"protocol"`
	CIDRBlocks  []string `yaml:"cidr_blocks"`
	Description string   `yaml:"description"`
}

// VolumeInput is one additional EBS volume as supplied by the caller.
// DeleteOnTermination, IOPS and Throughput stay nil when omitted; the
// resolver defaults DeleteOnTermination to true and leaves the others unset.
type VolumeInput struct {
	DeviceName          string `yaml:"device_name"`
	VolumeType          string `yaml:"volume_type"`
	VolumeSize          int    `yaml:"volume_size"`
	Encrypted           bool   `yaml:"encrypted"`
	DeleteOnTermination *bool  `yaml:"delete_on_termination"`
	IOPS                *int   `yaml:"iops"`
	Throughput          *int   `yaml:"throughput"`
}

// Snapshot is the defaulted, validated input set. It is created once per
// evaluation run and must not be mutated afterwards; every later phase
// (graph build, resolution, reconciliation, output projection) reads from it.
type Snapshot struct {
	Name                   string            `json:"name" validate:"min=1,max=200"`
	AMIID                  string            `json:"ami_id" validate:"required"`
	InstanceType           string            `json:"instance_type" validate:"required"`
	SubnetID               string            `json:"subnet_id" validate:"required"`
	VPCID                  string            `json:"vpc_id" validate:"required"`
	AssociatePublicIP      bool              `json:"associate_public_ip"`
	UserData               string            `json:"user_data"`
	EnableMonitoring       bool              `json:"enable_monitoring"`
	MetadataHopLimit       int               `json:"metadata_hop_limit" validate:"min=1,max=64"`
	IngressRules           []Rule            `json:"ingress_rules" validate:"dive"`
	EgressRules            []Rule            `json:"egress_rules" validate:"dive"`
	RootVolumeType         string            `json:"root_volume_type" validate:"oneof=gp2 gp3 io1 io2 standard"`
	RootVolumeSize         int               `json:"root_volume_size" validate:"min=8"`
	RootVolumeEncrypted    bool              `json:"root_volume_encrypted"`
	AdditionalVolumes      []Volume          `json:"additional_volumes" validate:"dive"`
	CreateKeyPair          bool              `json:"create_key_pair"`
	KeyName                string            `json:"key_name"`
	SSHPublicKey           string            `json:"ssh_public_key"`
	CreateCPUAlarm         bool              `json:"create_cpu_alarm"`
	AlarmCPUThreshold      float64           `json:"alarm_cpu_threshold" validate:"min=0,max=100"`
	AlarmPeriod            int               `json:"alarm_period" validate:"min=60"`
	AlarmEvaluationPeriods int               `json:"alarm_evaluation_periods" validate:"min=1"`
	AlarmActions           []string          `json:"alarm_actions"`
	Tags                   map[string]string `json:"tags"`
}

// Rule is a validated ingress or egress rule. Order within the rule list is
// preserved into the provider payload; it carries no semantic priority.
type Rule struct {
	FromPort    int      `json:"from_port" validate:"min=0,max=65535"`
	ToPort      int      `json:"to_port" validate:"min=0,max=65535"`
	Protocol    string   `json:"protocol" validate:"oneof=tcp udp icmp -1"`
	CIDRBlocks  []string `json:"cidr_blocks"`
	Description string   `json:"description"`
}

// Volume is a validated additional EBS volume.
type Volume struct {
	DeviceName          string `json:"device_name" validate:"required"`
	VolumeType          string `json:"volume_type" validate:"oneof=gp2 gp3 io1 io2 standard"`
	VolumeSize          int    `json:"volume_size" validate:"min=1"`
	Encrypted           bool   `json:"encrypted"`
	DeleteOnTermination *bool  `json:"delete_on_termination,omitempty"`
	IOPS                *int   `json:"iops,omitempty"`
	Throughput          *int   `json:"throughput,omitempty"`
}
