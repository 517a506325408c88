package local

import "github.com/krew-solutions/courier-go/courier/saga"

// MountHosts creates one activity host per address, all sharing engine and
// forwarding through b.
func (b *Bus) MountHosts(engine *saga.Engine, addresses []string, opts ...saga.HostOption) []*saga.ActivityHost {
	hosts := make([]*saga.ActivityHost, 0, len(addresses))
	seen := make(map[string]bool, len(addresses))
	for _, address := range addresses {
		if seen[address] {
			continue
		}
		seen[address] = true
		host := saga.NewActivityHost(address, engine, b, opts...)
		hosts = append(hosts, host)
		b.Mount(host)
	}
	return hosts
}
