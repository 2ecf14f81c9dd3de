package node

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

type Role string

const (
	RoleUnified  Role = "unified"
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleServer   Role = "server"
	RoleClient   Role = "client"
)

// A Node is one remote compute instance reachable through the control plane.
// PrivateAddr is the address peers use to talk to it inside the VPC.
type Node struct {
	ID          string
	Role        Role
	PrivateAddr string
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%s, %s)", n.ID, n.Role, n.PrivateAddr)
}

// InstanceAPI is the subset of the EC2 API used to resolve node addresses.
type InstanceAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// ResolvePrivateAddr looks up the instance's private IP. Used when the
// operator did not export NODEx_PRIVATE.
func ResolvePrivateAddr(ctx context.Context, api InstanceAPI, instanceID string) (string, error) {
	resp, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("instance %s not found", instanceID)
	}
	ip := resp.Reservations[0].Instances[0].PrivateIpAddress
	if ip == nil {
		return "", fmt.Errorf("instance %s has no private IP yet", instanceID)
	}
	return *ip, nil
}
