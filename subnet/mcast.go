package subnet

import "fmt"

const (
	// MulticastLIDBase is the first multicast LID.
	MulticastLIDBase = 0xC000
	// MulticastBlockSize is the number of MLIDs per MFT block.
	MulticastBlockSize = 32
	// PortMaskWidth is the number of ports covered by one mask word.
	PortMaskWidth = 16
	// DefaultMulticastCap is used when a switch reports no multicast capacity.
	DefaultMulticastCap = 1024
)

// MulticastTable is a switch's multicast forwarding table: for every MLID a
// row of 16-bit port masks, one per position.
type MulticastTable struct {
	capacity      int
	maxPosition   int
	maxBlockInUse int
	masks         [][]uint16
}

// NewMulticastTable sizes a table for a switch with numPorts ports (port 0
// included) and room for capacity MLIDs.
func NewMulticastTable(numPorts uint8, capacity int) *MulticastTable {
	if capacity <= 0 {
		capacity = DefaultMulticastCap
	}
	positions := (int(numPorts) + PortMaskWidth - 1) / PortMaskWidth
	if positions == 0 {
		positions = 1
	}
	return &MulticastTable{
		capacity:      capacity,
		maxPosition:   positions - 1,
		maxBlockInUse: -1,
	}
}

// reshape returns a table with the mask width of numPorts, keeping the
// memberships of ports that still exist.
func (t *MulticastTable) reshape(numPorts uint8) *MulticastTable {
	out := NewMulticastTable(numPorts, t.capacity)
	for off := range t.masks {
		mlid := uint16(MulticastLIDBase + off)
		for _, port := range t.Ports(mlid) {
			if port < numPorts {
				_ = out.AddPort(mlid, port)
			}
		}
	}
	return out
}

// MaxPosition returns the highest mask position in use for this switch.
func (t *MulticastTable) MaxPosition() int {
	return t.maxPosition
}

// MaxBlockInUse returns the highest MFT block with an entry, or -1.
func (t *MulticastTable) MaxBlockInUse() int {
	return t.maxBlockInUse
}

func (t *MulticastTable) offset(mlid uint16) (int, error) {
	if mlid < MulticastLIDBase {
		return 0, fmt.Errorf("subnet: lid 0x%04x is not a multicast lid", mlid)
	}
	off := int(mlid - MulticastLIDBase)
	if off >= t.capacity {
		return 0, fmt.Errorf("subnet: mlid 0x%04x beyond table capacity %d", mlid, t.capacity)
	}
	return off, nil
}

// Mask returns the mask word at position for the MLID mlidOffset entries past
// MulticastLIDBase; zero when unset.
func (t *MulticastTable) Mask(mlidOffset int, position int) uint16 {
	if mlidOffset < 0 || mlidOffset >= len(t.masks) || position < 0 || position > t.maxPosition {
		return 0
	}
	row := t.masks[mlidOffset]
	if row == nil {
		return 0
	}
	return row[position]
}

// SetMask replaces the port mask word of mlid at position.
func (t *MulticastTable) SetMask(mlid uint16, position int, mask uint16) error {
	off, err := t.offset(mlid)
	if err != nil {
		return err
	}
	if position < 0 || position > t.maxPosition {
		return fmt.Errorf("subnet: mask position %d outside 0..%d", position, t.maxPosition)
	}
	for len(t.masks) <= off {
		t.masks = append(t.masks, nil)
	}
	if t.masks[off] == nil {
		t.masks[off] = make([]uint16, t.maxPosition+1)
	}
	t.masks[off][position] = mask
	if mask != 0 {
		if block := off / MulticastBlockSize; block > t.maxBlockInUse {
			t.maxBlockInUse = block
		}
	}
	return nil
}

// AddPort sets port's bit for mlid.
func (t *MulticastTable) AddPort(mlid uint16, port uint8) error {
	off, err := t.offset(mlid)
	if err != nil {
		return err
	}
	position := int(port) / PortMaskWidth
	return t.SetMask(mlid, position, t.Mask(off, position)|1<<(port%PortMaskWidth))
}

// RemovePort clears port's bit for mlid.
func (t *MulticastTable) RemovePort(mlid uint16, port uint8) error {
	off, err := t.offset(mlid)
	if err != nil {
		return err
	}
	position := int(port) / PortMaskWidth
	return t.SetMask(mlid, position, t.Mask(off, position)&^(1<<(port%PortMaskWidth)))
}

// Ports returns the member ports of mlid in ascending order.
func (t *MulticastTable) Ports(mlid uint16) []uint8 {
	off, err := t.offset(mlid)
	if err != nil {
		return nil
	}
	var ports []uint8
	for position := 0; position <= t.maxPosition; position++ {
		mask := t.Mask(off, position)
		for bit := 0; bit < PortMaskWidth && mask != 0; bit++ {
			if mask&(1<<bit) != 0 {
				ports = append(ports, uint8(bit+position*PortMaskWidth))
			}
		}
	}
	return ports
}
