// Package vmware wraps govmomi to pull VM inventory from vCenter. The
// teacher used this client as a migration *source* (ExportVM/CloneVM for a
// cross-cloud copy); here it is repurposed purely as an optional inventory
// feed — when VMWARE_INVENTORY_SYNC is enabled, the controller uses it to
// discover VMs living in a vSphere cluster alongside the XenServer/XCP-ng
// pool it otherwise tracks directly.
package vmware

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"

	"github.com/minicloud/controller/internal/model"
)

// Client wraps a govmomi session scoped to a single datacenter.
type Client struct {
	client     *govmomi.Client
	finder     *find.Finder
	datacenter *object.Datacenter
}

// NewClient connects to vCenter and scopes subsequent calls to datacenter.
func NewClient(ctx context.Context, host, username, password, datacenter string, insecure bool) (*Client, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s/sdk", host))
	if err != nil {
		return nil, fmt.Errorf("invalid vmware host: %w", err)
	}
	u.User = url.UserPassword(username, password)

	client, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, fmt.Errorf("connect to vcenter: %w", err)
	}

	finder := find.NewFinder(client.Client, true)
	dc, err := finder.Datacenter(ctx, datacenter)
	if err != nil {
		return nil, fmt.Errorf("find datacenter %s: %w", datacenter, err)
	}
	finder.SetDatacenter(dc)

	return &Client{client: client, finder: finder, datacenter: dc}, nil
}

// Close logs out of the vCenter session.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// ListVMs returns every VM in the datacenter, translated into the
// controller's canonical model.VM at this boundary — the inventory
// service never sees a govmomi type.
func (c *Client) ListVMs(ctx context.Context) ([]*model.VM, error) {
	vms, err := c.finder.VirtualMachineList(ctx, "*")
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}

	var out []*model.VM
	pc := property.DefaultCollector(c.client.Client)
	for _, vm := range vms {
		var mvm mo.VirtualMachine
		if err := pc.RetrieveOne(ctx, vm.Reference(), []string{"config", "summary"}, &mvm); err != nil {
			continue // skip VMs we can't read, matching the teacher's best-effort listing
		}
		out = append(out, &model.VM{
			HypervisorUUID: mvm.Summary.Config.Uuid,
			Name:           mvm.Summary.Config.Name,
			VCPUs:          int(mvm.Summary.Config.NumCpu),
			MemoryBytes:    int64(mvm.Summary.Config.MemorySizeMB) * 1024 * 1024,
		})
	}
	return out, nil
}
