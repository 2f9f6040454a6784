// Package azurerun implements the transport.ClientInterface backend for
// targets that are Azure VMs: it runs distctl-agent via the VM agent's
// RunCommand extension and polls the long-running operation to
// completion, following the same azidentity credential + armcompute
// client construction and Begin.../PollUntilDone poller style the teacher
// uses for VM lifecycle operations (pkg/infra/providers/azure).
package azurerun

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"

	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Backend runs operations on Azure VMs via RunCommand.
type Backend struct {
	vmClient      *armcompute.VirtualMachinesClient
	resourceGroup string
	agentPath     string
}

// New builds a Backend using the Azure CLI credential, matching the
// teacher's NewProvider. resourceGroup is the resource group containing
// every "azurerun" target's VM.
func New(subscriptionID, resourceGroup, agentPath string) (*Backend, error) {
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure CLI credential: %w", err)
	}
	vmClient, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create virtual machines client: %w", err)
	}
	if agentPath == "" {
		agentPath = "distctl-agent"
	}
	return &Backend{vmClient: vmClient, resourceGroup: resourceGroup, agentPath: agentPath}, nil
}

// Run executes distctl-agent <op> <args...> on the VM named by
// target.Address via RunCommand ("RunShellScript").
func (b *Backend) Run(ctx context.Context, target *manifest.Target, op string, args []string) (*transport.Handle, error) {
	vmName := target.Address
	if vmName == "" {
		return nil, fmt.Errorf("target %s has no resolved VM name", target.Name)
	}

	script := b.agentPath + " " + op
	if len(args) > 0 {
		script += " " + strings.Join(args, " ")
	}

	run := transport.NewHandleFunc(op, target.Name, func(ctx context.Context) ([]byte, []byte, error) {
		poller, err := b.vmClient.BeginRunCommand(ctx, b.resourceGroup, vmName, armcompute.RunCommandInput{
			CommandID: to.Ptr("RunShellScript"),
			Script:    []*string{to.Ptr(script)},
		}, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("begin run command on %s: %w", vmName, err)
		}

		result, err := poller.PollUntilDone(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("run command on %s: %w", vmName, err)
		}

		var stdout, stderr bytes.Buffer
		for _, status := range result.Value {
			if status.Message == nil {
				continue
			}
			if status.Code != nil && strings.Contains(*status.Code, "error") {
				stderr.WriteString(*status.Message)
			} else {
				stdout.WriteString(*status.Message)
			}
		}
		return stdout.Bytes(), stderr.Bytes(), nil
	})

	return run(ctx), nil
}
