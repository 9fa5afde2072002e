package transaction

import (
	"time"

	"go.uber.org/zap"
)

// readDataFromDSB issues an async read-through request to the shard
// owner and registers fn as the callback for this oid, per spec.md
// §4.3. Must only be called on rm.exec.
func (rm *ResourceManager) readDataFromDSB(table TableID, shard ShardID, key TupleID, oid OID, fn func(EC, []byte)) {
	destNode := rm.shard2node[shard]
	if destNode == 0 {
		destNode = rm.dsbNodeID
	}
	rm.debugAssert(destNode != 0, "no route to shard owner", zap.Uint32("shard", uint32(shard)))

	rm.dsReadHandlers[oid] = fn
	rm.readTimer.begin()

	req := ReadDataReq{
		Source:  rm.nodeID,
		Dest:    destNode,
		XID:     rm.xid,
		OID:     oid,
		Cno:     rm.cno,
		TableID: table,
		ShardID: shard,
		TupleID: key,
	}
	if err := rm.dsb.SendReadDataReq(req); err != nil {
		rm.logger.Error("async_send C2D_READ_DATA_REQ failed", zap.Uint32("dest", uint32(destNode)), zap.Error(err))
	}
}

// ReadDataFromDSBResponse locates the handler for resp.OID, invokes
// it, and — on a hit — caches a clone of the tuple. A missing handler
// is a protocol error per spec.md §4.3/§7. Safe to call from any
// goroutine; the work is posted onto the RM's executor.
func (rm *ResourceManager) ReadDataFromDSBResponse(resp DSBReadResponse, ts time.Time) {
	rm.exec.Post(func() {
		rm.latencyReadDSBUs += resp.LatencyReadDSBUs
		rm.readTimer.endAt(ts)

		fn, ok := rm.dsReadHandlers[resp.OID]
		if !ok {
			rm.debugAssert(false, "dsb response for unknown oid", zap.Uint32("oid", uint32(resp.OID)))
			return
		}
		delete(rm.dsReadHandlers, resp.OID)

		var tuple []byte
		if resp.HasTupleRow && len(resp.TupleRow.Tuple) > 0 {
			tuple = append([]byte(nil), resp.TupleRow.Tuple...)
		}
		fn(resp.EC, tuple)

		if resp.EC == ECOk && len(tuple) > 0 {
			rm.cache.Put(resp.TupleRow.TableID, resp.TupleRow.ShardID, resp.TupleRow.TupleID, append([]byte(nil), tuple...))
			rm.logger.Debug("cached tuple from DSB", zap.Uint32("table", uint32(resp.TupleRow.TableID)), zap.Uint64("key", uint64(resp.TupleRow.TupleID)))
		}
	})
}
