package node

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmTypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/hashicorp/go-version"
)

// MinAgentVersion is the oldest SSM agent known to report stdout/stderr
// content on GetCommandInvocation the way the dispatcher expects.
const MinAgentVersion = "3.1.0"

// AgentAPI is the subset of the SSM API used for node health checks.
type AgentAPI interface {
	DescribeInstanceInformation(ctx context.Context, params *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

type AgentInfo struct {
	PingStatus string
	Version    string
}

func (a *AgentInfo) Online() bool {
	return a.PingStatus == string(ssmTypes.PingStatusOnline)
}

// VersionOutdated reports whether the agent is older than MinAgentVersion.
func (a *AgentInfo) VersionOutdated() (bool, error) {
	v, err := version.NewVersion(a.Version)
	if err != nil {
		return false, fmt.Errorf("can't parse agent version %q: %w", a.Version, err)
	}
	return v.LessThan(version.Must(version.NewVersion(MinAgentVersion))), nil
}

// AgentStatus reports whether the node's control-plane agent is reachable and
// which version it runs.
func AgentStatus(ctx context.Context, api AgentAPI, instanceID string) (*AgentInfo, error) {
	resp, err := api.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []ssmTypes.InstanceInformationStringFilter{
			{Key: strPtr("InstanceIds"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe agent on %s: %w", instanceID, err)
	}
	if len(resp.InstanceInformationList) == 0 {
		return nil, fmt.Errorf("node %s is not registered with the control plane", instanceID)
	}
	info := resp.InstanceInformationList[0]
	out := &AgentInfo{PingStatus: string(info.PingStatus)}
	if info.AgentVersion != nil {
		out.Version = *info.AgentVersion
	}
	return out, nil
}

func strPtr(s string) *string {
	return &s
}
