// Package board describes the microcontroller boards the kernel can boot
// on. A board contributes the static memory pool table, the number of MPU
// region slots and a default boot command line. Boards register themselves
// from init functions and are looked up by name at boot.
package board

import (
	"sort"

	"github.com/f9micro/f9-kernel-sub002/kernel"
	"github.com/f9micro/f9-kernel-sub002/kernel/driver/tty"
	"github.com/f9micro/f9-kernel-sub002/kernel/mem"
)

// Pool names that the kernel looks up on every board.
const (
	// KIPPool holds the kernel information page.
	KIPPool = "kip"

	// RootTextPool and RootDataPool hold the root thread's image.
	RootTextPool = "utext"
	RootDataPool = "udata"
)

var errMissingPool = &kernel.Error{Module: "board", Message: "board does not define a required pool"}

// Board is the static description of a target.
type Board struct {
	Name string

	// Pools is the physical memory layout.
	Pools []mem.Pool

	// MinShift is log2 of the smallest fpage the MPU can protect.
	MinShift uint8

	// MPURegions is the number of hardware MPU slots.
	MPURegions int

	// CmdLine is the default boot command line.
	CmdLine string

	// Console, if set, receives kernel output once the kernel boots.
	Console tty.Port
}

// PoolTable validates the board pools and returns them as a table.
func (b *Board) PoolTable() (*mem.Table, *kernel.Error) {
	pools, err := mem.NewTable(b.Pools, b.MinShift)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{KIPPool, RootTextPool, RootDataPool} {
		if id, _ := pools.ByName(name); id == mem.InvalidPool {
			return nil, errMissingPool
		}
	}
	return pools, nil
}

// Info describes a registered board.
type Info struct {
	// Order sorts boards in listings; lower values come first.
	Order int

	// Name selects the board on the boot command line.
	Name string

	// Probe returns the board description.
	Probe func() *Board
}

// InfoList is a list of registered boards that implements sort.Interface.
type InfoList []*Info

func (l InfoList) Len() int      { return len(l) }
func (l InfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
func (l InfoList) Less(i, j int) bool {
	if l[i].Order != l[j].Order {
		return l[i].Order < l[j].Order
	}
	return l[i].Name < l[j].Name
}

var registeredBoards InfoList

// Register adds info to the list of known boards.
func Register(info *Info) {
	registeredBoards = append(registeredBoards, info)
}

// List returns the registered boards in listing order.
func List() InfoList {
	list := append(InfoList(nil), registeredBoards...)
	sort.Sort(list)
	return list
}

// ByName returns the board called name or nil.
func ByName(name string) *Board {
	for _, info := range registeredBoards {
		if info.Name == name {
			return info.Probe()
		}
	}
	return nil
}

// Default returns the first board in listing order.
func Default() *Board {
	list := List()
	if len(list) == 0 {
		return nil
	}
	return list[0].Probe()
}
