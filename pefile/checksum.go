package pefile

import "encoding/binary"

// CalcChecksum computes the image checksum the loader verifies for drivers
// and critical system binaries: a 16 bit one's complement style sum over the
// whole file with the checksum field read as zero, plus the file length.
func CalcChecksum(data []byte, checksumOffset int) uint32 {
	var saved [4]byte
	inRange := checksumOffset >= 0 && checksumOffset+4 <= len(data)
	if inRange {
		copy(saved[:], data[checksumOffset:])
		copy(data[checksumOffset:], []byte{0, 0, 0, 0})
		defer copy(data[checksumOffset:], saved[:])
	}

	var sum uint64
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint64(binary.LittleEndian.Uint16(data[i:]))
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if n%2 == 1 {
		sum += uint64(data[n-1])
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(n)
}

// UpdateChecksum flushes the headers and stores a freshly computed checksum.
func (pe *PeFile) UpdateChecksum() error {
	pe.setChecksum(0)
	if err := pe.flush(); err != nil {
		return err
	}
	sum := CalcChecksum(pe.data, int(pe.checksumOffset()))
	pe.setChecksum(sum)
	binary.LittleEndian.PutUint32(pe.data[pe.checksumOffset():], sum)
	return nil
}

// VerifyChecksum reports whether the stored checksum matches the image.
func (pe *PeFile) VerifyChecksum() bool {
	data, err := pe.Bytes()
	if err != nil {
		return false
	}
	return CalcChecksum(data, int(pe.checksumOffset())) == pe.Checksum()
}
