package record

// findStackTrace scans items for the first 64-bit stack trace and falls back
// to the first 32-bit one.
func findStackTrace(items []ExtendedDataItem) []uint64 {
	var trace32 *ExtendedDataItem
	for i := range items {
		switch items[i].ExtType {
		case ExtTypeStackTrace64:
			return decodeStackTrace(&items[i])
		case ExtTypeStackTrace32:
			if trace32 == nil {
				trace32 = &items[i]
			}
		}
	}
	if trace32 != nil {
		return decodeStackTrace(trace32)
	}
	return nil
}

// decodeStackTrace reads the addresses that follow the MatchId of a
// STACK_TRACE32 or STACK_TRACE64 item. 32-bit addresses are widened.
func decodeStackTrace(item *ExtendedDataItem) []uint64 {
	addrSize := 8
	if item.ExtType == ExtTypeStackTrace32 {
		addrSize = 4
	}
	if item.DataPtr == nil || int(item.DataSize) <= stackMatchIDSize {
		return nil
	}
	count := (int(item.DataSize) - stackMatchIDSize) / addrSize
	base := item.DataPtr

	frames := make([]uint64, count)
	for i := range frames {
		frames[i] = ReadPointer(base, stackMatchIDSize+i*addrSize, addrSize)
	}
	return frames
}

// StackMatchID returns the MatchId of a stack trace item, used to correlate
// kernel and user mode stacks of the same event.
func StackMatchID(item *ExtendedDataItem) uint64 {
	if item.DataPtr == nil || item.DataSize < stackMatchIDSize {
		return 0
	}
	return ReadUint64(item.DataPtr, 0)
}
