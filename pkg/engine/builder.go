package engine

import (
	"fmt"

	"github.com/groundplan/groundplan/pkg/config"
)

// Build turns a validated configuration snapshot into the resource graph for
// this run. It decides presence for the conditional nodes, materializes
// attribute maps (references where a value is another node's post-creation
// state, literals otherwise), attaches lifecycle policies and refuses any
// reference into an absent node before a single provider call is made.
func Build(snap *config.Snapshot) (*Graph, error) {
	if snap == nil {
		return nil, &BuildError{Message: "configuration snapshot is nil"}
	}

	g := &Graph{nodes: make(map[NodeKind]*Node)}

	g.nodes[NodeSecurityGroup] = buildSecurityGroup(snap)
	if snap.CreateKeyPair {
		g.nodes[NodeKeyPair] = buildKeyPair(snap)
	}
	g.nodes[NodeInstance] = buildInstance(snap)
	if snap.CreateCPUAlarm {
		g.nodes[NodeAlarm] = buildAlarm(snap)
	}

	if err := validateReferences(g); err != nil {
		return nil, err
	}

	return g, nil
}

func buildSecurityGroup(snap *config.Snapshot) *Node {
	return &Node{
		Kind: NodeSecurityGroup,
		Attrs: map[string]AttrValue{
			"name":          Lit(snap.Name + "-sg"),
			"vpc_id":        Lit(snap.VPCID),
			"ingress_rules": Lit(snap.IngressRules),
			"egress_rules":  Lit(snap.EgressRules),
			"tags":          Lit(mergeTags(snap.Tags, snap.Name+"-sg")),
		},
		Lifecycle: Lifecycle{
			// A replaced group must exist before the old one goes away so the
			// instance never sits without a valid security group.
			CreateBeforeDestroy: true,
		},
	}
}

func buildKeyPair(snap *config.Snapshot) *Node {
	return &Node{
		Kind: NodeKeyPair,
		Attrs: map[string]AttrValue{
			"key_name":   Lit(snap.Name + "-key"),
			"public_key": Lit(snap.SSHPublicKey),
			"tags":       Lit(mergeTags(snap.Tags, snap.Name+"-key")),
		},
		Lifecycle: Lifecycle{
			Preconditions: []Precondition{{
				Name:    "ssh_public_key_required",
				Message: "create_key_pair is true but ssh_public_key is empty",
				Check:   func() bool { return snap.SSHPublicKey != "" },
			}},
		},
	}
}

func buildInstance(snap *config.Snapshot) *Node {
	attrs := map[string]AttrValue{
		"ami_id":              Lit(snap.AMIID),
		"instance_type":       Lit(snap.InstanceType),
		"subnet_id":           Lit(snap.SubnetID),
		"associate_public_ip": Lit(snap.AssociatePublicIP),
		"security_group_id":   RefTo(NodeSecurityGroup, "id"),
		"user_data":           Lit(snap.UserData),
		"monitoring":          Lit(snap.EnableMonitoring),
		"metadata_hop_limit":  Lit(snap.MetadataHopLimit),
		"root_volume": Lit(map[string]any{
			"volume_type": snap.RootVolumeType,
			"volume_size": snap.RootVolumeSize,
			"encrypted":   snap.RootVolumeEncrypted,
		}),
		"additional_volumes": Lit(snap.AdditionalVolumes),
		"tags":               Lit(mergeTags(snap.Tags, snap.Name)),
	}

	// The key name is only a reference when this run manages the key pair;
	// otherwise the caller-supplied existing key name is a plain literal.
	if snap.CreateKeyPair {
		attrs["key_name"] = RefTo(NodeKeyPair, "key_name")
	} else {
		attrs["key_name"] = Lit(snap.KeyName)
	}

	return &Node{
		Kind:      NodeInstance,
		Attrs:     attrs,
		DependsOn: []NodeKind{NodeSecurityGroup},
		Lifecycle: Lifecycle{
			// Incidental boot-script edits must not replace a running
			// instance; a forced replace is the manual escape hatch.
			IgnoreChanges: []string{"user_data"},
		},
	}
}

func buildAlarm(snap *config.Snapshot) *Node {
	period := snap.AlarmPeriod
	monitoring := snap.EnableMonitoring
	return &Node{
		Kind: NodeAlarm,
		Attrs: map[string]AttrValue{
			"alarm_name":         Lit(snap.Name + "-cpu-high"),
			"instance_id":        RefTo(NodeInstance, "id"),
			"threshold":          Lit(snap.AlarmCPUThreshold),
			"period":             Lit(snap.AlarmPeriod),
			"evaluation_periods": Lit(snap.AlarmEvaluationPeriods),
			"alarm_actions":      Lit(snap.AlarmActions),
			"tags":               Lit(mergeTags(snap.Tags, snap.Name+"-cpu-high")),
		},
		// Ordering hint: the alarm follows the instance even if every one of
		// its instance-derived attributes were a literal.
		DependsOn: []NodeKind{NodeInstance},
		Lifecycle: Lifecycle{
			Preconditions: []Precondition{{
				Name: "monitoring_supports_period",
				Message: fmt.Sprintf(
					"alarm_period %d requires enable_monitoring or a period of at least 300 seconds", period),
				Check: func() bool { return monitoring || period >= 300 },
			}},
		},
	}
}

// mergeTags merges the global tag set with the per-node Name tag. Globals are
// applied first; the computed Name wins a key collision.
func mergeTags(global map[string]string, name string) map[string]string {
	tags := make(map[string]string, len(global)+1)
	for k, v := range global {
		tags[k] = v
	}
	tags["Name"] = name
	return tags
}

// validateReferences refuses references and explicit ordering hints that
// target a node absent this run.
func validateReferences(g *Graph) error {
	for _, kind := range g.Kinds() {
		node := g.Node(kind)
		for attr, v := range node.Attrs {
			if v.IsRef() && !g.Has(v.Ref().Kind) {
				return &DanglingReferenceError{From: kind, To: v.Ref().Kind, Attr: attr}
			}
		}
		for _, dep := range node.DependsOn {
			if !g.Has(dep) {
				return &DanglingReferenceError{From: kind, To: dep}
			}
		}
	}
	return nil
}
