package aws

import (
	"context"
	"fmt"
	"sort"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/groundplan/groundplan/pkg/engine"
)

type alarmAttrs struct {
	AlarmName         string            `json:"alarm_name"`
	InstanceID        string            `json:"instance_id"`
	Threshold         float64           `json:"threshold"`
	Period            int               `json:"period"`
	EvaluationPeriods int               `json:"evaluation_periods"`
	AlarmActions      []string          `json:"alarm_actions"`
	Tags              map[string]string `json:"tags"`
}

func (p *Provider) createAlarm(ctx context.Context, attrs map[string]any) (*engine.CreateResult, error) {
	var a alarmAttrs
	if err := decodeAttrs(attrs, &a); err != nil {
		return nil, err
	}
	if err := p.putAlarm(ctx, a); err != nil {
		return nil, err
	}
	// Alarms have no separate id; the name is the identity.
	return &engine.CreateResult{ID: a.AlarmName}, nil
}

func (p *Provider) updateAlarm(ctx context.Context, id string, attrs map[string]any) (map[string]any, error) {
	var a alarmAttrs
	if err := decodeAttrs(attrs, &a); err != nil {
		return nil, err
	}
	// The name is the identity, so a rename is a replacement.
	if a.AlarmName != id {
		return nil, engine.ErrRequiresReplacement
	}
	// PutMetricAlarm upserts; re-putting applies the new definition.
	if err := p.putAlarm(ctx, a); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Provider) destroyAlarm(ctx context.Context, id string) error {
	_, err := p.cw.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{
		AlarmNames: []string{id},
	})
	if err != nil {
		return fmt.Errorf("failed to delete alarm %s: %w", id, err)
	}
	return nil
}

func (p *Provider) describeAlarm(ctx context.Context, id string) (map[string]any, error) {
	out, err := p.cw.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe alarm %s: %w", id, err)
	}
	if len(out.MetricAlarms) == 0 {
		return nil, engine.ErrNotFound
	}
	alarm := out.MetricAlarms[0]

	var instanceID string
	for _, d := range alarm.Dimensions {
		if awssdk.ToString(d.Name) == "InstanceId" {
			instanceID = awssdk.ToString(d.Value)
		}
	}

	return map[string]any{
		"alarm_name":         awssdk.ToString(alarm.AlarmName),
		"instance_id":        instanceID,
		"threshold":          awssdk.ToFloat64(alarm.Threshold),
		"period":             int(awssdk.ToInt32(alarm.Period)),
		"evaluation_periods": int(awssdk.ToInt32(alarm.EvaluationPeriods)),
		"alarm_actions":      alarm.AlarmActions,
	}, nil
}

func (p *Provider) putAlarm(ctx context.Context, a alarmAttrs) error {
	_, err := p.cw.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
		AlarmName:          awssdk.String(a.AlarmName),
		AlarmDescription:   awssdk.String(fmt.Sprintf("CPU utilization above %.1f%% on %s", a.Threshold, a.InstanceID)),
		Namespace:          awssdk.String("AWS/EC2"),
		MetricName:         awssdk.String("CPUUtilization"),
		Statistic:          cwtypes.StatisticAverage,
		ComparisonOperator: cwtypes.ComparisonOperatorGreaterThanThreshold,
		Threshold:          awssdk.Float64(a.Threshold),
		Period:             awssdk.Int32(int32(a.Period)),
		EvaluationPeriods:  awssdk.Int32(int32(a.EvaluationPeriods)),
		Dimensions: []cwtypes.Dimension{{
			Name:  awssdk.String("InstanceId"),
			Value: awssdk.String(a.InstanceID),
		}},
		AlarmActions: a.AlarmActions,
		Tags:         alarmTags(a.Tags),
	})
	if err != nil {
		return fmt.Errorf("failed to put alarm %s: %w", a.AlarmName, err)
	}
	return nil
}

func alarmTags(tags map[string]string) []cwtypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cwtypes.Tag{
			Key:   awssdk.String(k),
			Value: awssdk.String(tags[k]),
		})
	}
	return out
}
