package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/groundplan/groundplan/pkg/engine"
)

type securityGroupAttrs struct {
	Name         string            `json:"name"`
	VPCID        string            `json:"vpc_id"`
	IngressRules []ruleAttrs       `json:"ingress_rules"`
	EgressRules  []ruleAttrs       `json:"egress_rules"`
	Tags         map[string]string `json:"tags"`
}

type ruleAttrs struct {
	FromPort    int      `json:"from_port"`
	ToPort      int      `json:"to_port"`
	Protocol    string   `json:"protocol"`
	CIDRBlocks  []string `json:"cidr_blocks"`
	Description string   `json:"description"`
}

func (p *Provider) createSecurityGroup(ctx context.Context, attrs map[string]any) (*engine.CreateResult, error) {
	var sg securityGroupAttrs
	if err := decodeAttrs(attrs, &sg); err != nil {
		return nil, err
	}

	out, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         awssdk.String(sg.Name),
		Description:       awssdk.String("managed by groundplan"),
		VpcId:             awssdk.String(sg.VPCID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, sg.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", err)
	}
	id := awssdk.ToString(out.GroupId)

	// AWS seeds every group with an allow-all egress rule; strip it so the
	// applied rule set matches the configured one exactly.
	if err := p.revokeAllRules(ctx, id); err != nil {
		return nil, err
	}
	if err := p.authorizeRules(ctx, id, sg.IngressRules, sg.EgressRules); err != nil {
		return nil, err
	}

	return &engine.CreateResult{ID: id}, nil
}

func (p *Provider) updateSecurityGroup(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	var sg securityGroupAttrs
	if err := decodeAttrs(attrs, &sg); err != nil {
		return nil, err
	}

	current, err := p.getSecurityGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	// Group name and VPC are immutable on EC2.
	if awssdk.ToString(current.GroupName) != sg.Name || awssdk.ToString(current.VpcId) != sg.VPCID {
		return nil, engine.ErrRequiresReplacement
	}

	// Rules have no stable identity worth diffing; resync the full set.
	if err := p.revokeAllRules(ctx, id); err != nil {
		return nil, err
	}
	if err := p.authorizeRules(ctx, id, sg.IngressRules, sg.EgressRules); err != nil {
		return nil, err
	}
	if err := p.applyTags(ctx, id, sg.Tags); err != nil {
		return nil, err
	}

	return nil, nil
}

func (p *Provider) destroySecurityGroup(ctx context.Context, id string) error {
	_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: awssdk.String(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete security group %s: %w", id, err)
	}
	return nil
}

func (p *Provider) describeSecurityGroup(ctx context.Context, id string) (map[string]any, error) {
	sg, err := p.getSecurityGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":          awssdk.ToString(sg.GroupName),
		"vpc_id":        awssdk.ToString(sg.VpcId),
		"ingress_rules": permissionsToRules(sg.IpPermissions),
		"egress_rules":  permissionsToRules(sg.IpPermissionsEgress),
		"tags":          tagsToMap(sg.Tags),
	}, nil
}

func (p *Provider) getSecurityGroup(ctx context.Context, id string) (*ec2types.SecurityGroup, error) {
	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{id},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("failed to describe security group %s: %w", id, err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, engine.ErrNotFound
	}
	return &out.SecurityGroups[0], nil
}

func (p *Provider) revokeAllRules(ctx context.Context, id string) error {
	sg, err := p.getSecurityGroup(ctx, id)
	if err != nil {
		return err
	}

	if len(sg.IpPermissions) > 0 {
		_, err := p.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       awssdk.String(id),
			IpPermissions: sg.IpPermissions,
		})
		if err != nil {
			return fmt.Errorf("failed to revoke ingress rules: %w", err)
		}
	}
	if len(sg.IpPermissionsEgress) > 0 {
		_, err := p.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       awssdk.String(id),
			IpPermissions: sg.IpPermissionsEgress,
		})
		if err != nil {
			return fmt.Errorf("failed to revoke egress rules: %w", err)
		}
	}
	return nil
}

func (p *Provider) authorizeRules(ctx context.Context, id string, ingress, egress []ruleAttrs) error {
	if len(ingress) > 0 {
		_, err := p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       awssdk.String(id),
			IpPermissions: rulesToPermissions(ingress),
		})
		if err != nil {
			return fmt.Errorf("failed to authorize ingress rules: %w", err)
		}
	}
	if len(egress) > 0 {
		_, err := p.ec2.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       awssdk.String(id),
			IpPermissions: rulesToPermissions(egress),
		})
		if err != nil {
			return fmt.Errorf("failed to authorize egress rules: %w", err)
		}
	}
	return nil
}

func rulesToPermissions(rules []ruleAttrs) []ec2types.IpPermission {
	perms := make([]ec2types.IpPermission, 0, len(rules))
	for _, r := range rules {
		perm := ec2types.IpPermission{
			IpProtocol: awssdk.String(r.Protocol),
		}
		// Protocol -1 spans all ports; EC2 rejects port fields on it.
		if r.Protocol != "-1" {
			perm.FromPort = awssdk.Int32(int32(r.FromPort))
			perm.ToPort = awssdk.Int32(int32(r.ToPort))
		}
		for _, cidr := range r.CIDRBlocks {
			perm.IpRanges = append(perm.IpRanges, ec2types.IpRange{
				CidrIp:      awssdk.String(cidr),
				Description: awssdk.String(r.Description),
			})
		}
		perms = append(perms, perm)
	}
	return perms
}

func permissionsToRules(perms []ec2types.IpPermission) []map[string]any {
	rules := make([]map[string]any, 0, len(perms))
	for _, perm := range perms {
		var cidrs []string
		desc := ""
		for _, r := range perm.IpRanges {
			cidrs = append(cidrs, awssdk.ToString(r.CidrIp))
			if r.Description != nil {
				desc = awssdk.ToString(r.Description)
			}
		}
		rules = append(rules, map[string]any{
			"from_port":   int(awssdk.ToInt32(perm.FromPort)),
			"to_port":     int(awssdk.ToInt32(perm.ToPort)),
			"protocol":    awssdk.ToString(perm.IpProtocol),
			"cidr_blocks": cidrs,
			"description": desc,
		})
	}
	return rules
}
