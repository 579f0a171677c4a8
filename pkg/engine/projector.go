package engine

import (
	"github.com/groundplan/groundplan/pkg/config"
)

// Outputs is the projected output map of a run. Every output key is always
// present; outputs whose source resource is absent carry nil.
type Outputs map[string]any

// Output keys, stable across runs.
const (
	OutInstanceID          = "instance_id"
	OutInstancePrivateIP   = "instance_private_ip"
	OutInstancePublicIP    = "instance_public_ip"
	OutSecurityGroupID     = "security_group_id"
	OutKeyPairName         = "key_pair_name"
	OutAdditionalVolumeIDs = "additional_volume_ids"
	OutCPUAlarmID          = "cpu_alarm_id"
)

// Project computes the output map from the graph and the post-run state.
// Projection never fails: values that do not exist (absent node, resource
// never created, no public address requested) project as nil rather than
// errors, so a partially converged run still yields the outputs that do
// exist.
func Project(g *Graph, snap *config.Snapshot, st State) Outputs {
	out := Outputs{
		OutInstanceID:          nil,
		OutInstancePrivateIP:   nil,
		OutInstancePublicIP:    nil,
		OutSecurityGroupID:     nil,
		OutKeyPairName:         nil,
		OutAdditionalVolumeIDs: nil,
		OutCPUAlarmID:          nil,
	}

	if ns, ok := st[NodeSecurityGroup]; ok {
		out[OutSecurityGroupID] = ns.ID
	}

	if ns, ok := st[NodeInstance]; ok {
		out[OutInstanceID] = ns.ID
		out[OutInstancePrivateIP] = attrOrNil(ns, "private_ip")
		out[OutInstancePublicIP] = attrOrNil(ns, "public_ip")
		out[OutAdditionalVolumeIDs] = attrOrNil(ns, "volume_ids")
	}

	if ns, ok := st[NodeAlarm]; ok {
		out[OutCPUAlarmID] = ns.ID
	}

	// The key pair name comes from managed state when this run owns the key
	// pair; otherwise it echoes the caller-supplied existing key name.
	switch {
	case g != nil && g.Has(NodeKeyPair):
		if ns, ok := st[NodeKeyPair]; ok {
			out[OutKeyPairName] = attrOrNil(ns, "key_name")
		}
	case snap != nil && snap.KeyName != "":
		out[OutKeyPairName] = snap.KeyName
	}

	return out
}

func attrOrNil(ns NodeState, attr string) any {
	v, ok := ns.Attrs[attr]
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return v
}
