package lnwallet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnchan/lntypes"
	"github.com/lightningnetwork/lnchan/lnwallet/chainfee"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/lnwire"
	"github.com/lightningnetwork/lnchan/shachain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// ErrInvalidSnapshot is returned when a snapshot can't be decoded.
var ErrInvalidSnapshot = errors.New("invalid channel snapshot")

// Top level snapshot records.
const (
	snapStateType           tlv.Type = 0
	snapStageType           tlv.Type = 1
	snapFunderType          tlv.Type = 2
	snapPendingChanIDType   tlv.Type = 3
	snapChanIDType          tlv.Type = 4
	snapCapacityType        tlv.Type = 5
	snapPushType            tlv.Type = 6
	snapInitialFeeType      tlv.Type = 7
	snapRemoteCfgType       tlv.Type = 8
	snapFundingTxidType     tlv.Type = 9
	snapFundingIndexType    tlv.Type = 10
	snapFundingTxType       tlv.Type = 11
	snapFundingPkScriptType tlv.Type = 12
	snapLocalChainType      tlv.Type = 13
	snapRemoteChainType     tlv.Type = 14
	snapLocalLogType        tlv.Type = 15
	snapRemoteLogType       tlv.Type = 16
	snapRevStoreType        tlv.Type = 17
	snapLastRevealedType    tlv.Type = 18
	snapRemoteCurPointType  tlv.Type = 19
	snapRemoteNextPointType tlv.Type = 20
	snapCommittedFeeType    tlv.Type = 21
	snapLocalFeeType        tlv.Type = 22
	snapRemoteFeeType       tlv.Type = 23
	snapReadyType           tlv.Type = 24
	snapSoftRejectsType     tlv.Type = 25
	snapCloseType           tlv.Type = 26
)

const (
	readySentFlag     uint8 = 1 << 0
	readyReceivedFlag uint8 = 1 << 1
)

// encodeRecords serializes records, which must be sorted by type, into a
// single TLV stream.
func encodeRecords(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRecords parses data into records and reports which were present.
func decodeRecords(data []byte, records ...tlv.Record) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return stream.DecodeWithParsedTypes(bytes.NewReader(data))
}

// encodeList frames a list of blobs as a var int count followed by var int
// length prefixed items.
func encodeList(items [][]byte) ([]byte, error) {
	var (
		b   bytes.Buffer
		buf [8]byte
	)
	if err := tlv.WriteVarInt(&b, uint64(len(items)), &buf); err != nil {
		return nil, err
	}
	for _, item := range items {
		err := tlv.WriteVarInt(&b, uint64(len(item)), &buf)
		if err != nil {
			return nil, err
		}
		if _, err := b.Write(item); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// decodeList reads a list written by encodeList.
func decodeList(data []byte) ([][]byte, error) {
	var (
		r   = bytes.NewReader(data)
		buf [8]byte
	)
	count, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: list of %d items in %d bytes",
			ErrInvalidSnapshot, count, len(data))
	}

	items := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return nil, err
		}
		if size > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: item of %d bytes, %d left",
				ErrInvalidSnapshot, size, r.Len())
		}

		item := make([]byte, size)
		if _, err := io.ReadFull(r, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

// encodePoint returns the compressed form of key and whether it is set.
func encodePoint(key *btcec.PublicKey) ([33]byte, bool) {
	var point [33]byte
	if key == nil {
		return point, false
	}
	copy(point[:], key.SerializeCompressed())

	return point, true
}

// decodePoint parses a point if its record was present.
func decodePoint(point [33]byte, parsed tlv.TypeMap,
	typ tlv.Type) (*btcec.PublicKey, error) {

	if _, ok := parsed[typ]; !ok {
		return nil, nil
	}

	return btcec.ParsePubKey(point[:])
}

// encodeTx serializes tx, returning nil for a nil transaction.
func encodeTx(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}

	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeTx parses a transaction written by encodeTx.
func decodeTx(data []byte) (*wire.MsgTx, error) {
	if len(data) == 0 {
		return nil, nil
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	return tx, nil
}

// encodeChannelConfig serializes the remote party's parameters.
func encodeChannelConfig(cfg *ChannelConfig) ([]byte, error) {
	var (
		dust       = uint64(cfg.DustLimit)
		reserve    = uint64(cfg.ChanReserve)
		maxPending = uint64(cfg.MaxPendingAmount)
		minHTLC    = uint64(cfg.MinHTLC)
		maxHtlcs   = cfg.MaxAcceptedHtlcs
		csv        = cfg.CsvDelay
		upfront    = []byte(cfg.UpfrontShutdown)
		keys       [5][33]byte
	)
	for i, key := range []*btcec.PublicKey{
		cfg.MultiSigKey, cfg.RevocationBasePoint, cfg.PaymentBasePoint,
		cfg.DelayBasePoint, cfg.HtlcBasePoint,
	} {
		keys[i], _ = encodePoint(key)
	}

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &dust),
		tlv.MakePrimitiveRecord(1, &reserve),
		tlv.MakePrimitiveRecord(2, &maxPending),
		tlv.MakePrimitiveRecord(3, &minHTLC),
		tlv.MakePrimitiveRecord(4, &maxHtlcs),
		tlv.MakePrimitiveRecord(5, &csv),
		tlv.MakePrimitiveRecord(6, &keys[0]),
		tlv.MakePrimitiveRecord(7, &keys[1]),
		tlv.MakePrimitiveRecord(8, &keys[2]),
		tlv.MakePrimitiveRecord(9, &keys[3]),
		tlv.MakePrimitiveRecord(10, &keys[4]),
		tlv.MakePrimitiveRecord(11, &upfront),
	)
}

// decodeChannelConfig reads parameters written by encodeChannelConfig.
func decodeChannelConfig(data []byte) (*ChannelConfig, error) {
	var (
		dust, reserve, maxPending, minHTLC uint64
		maxHtlcs, csv                      uint16
		upfront                            []byte
		keys                               [5][33]byte
	)
	_, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &dust),
		tlv.MakePrimitiveRecord(1, &reserve),
		tlv.MakePrimitiveRecord(2, &maxPending),
		tlv.MakePrimitiveRecord(3, &minHTLC),
		tlv.MakePrimitiveRecord(4, &maxHtlcs),
		tlv.MakePrimitiveRecord(5, &csv),
		tlv.MakePrimitiveRecord(6, &keys[0]),
		tlv.MakePrimitiveRecord(7, &keys[1]),
		tlv.MakePrimitiveRecord(8, &keys[2]),
		tlv.MakePrimitiveRecord(9, &keys[3]),
		tlv.MakePrimitiveRecord(10, &keys[4]),
		tlv.MakePrimitiveRecord(11, &upfront),
	)
	if err != nil {
		return nil, err
	}

	var parsedKeys [5]*btcec.PublicKey
	for i := range keys {
		parsedKeys[i], err = btcec.ParsePubKey(keys[i][:])
		if err != nil {
			return nil, fmt.Errorf("%w: channel key %d: %v",
				ErrInvalidSnapshot, i, err)
		}
	}

	cfg := &ChannelConfig{
		ChannelConstraints: ChannelConstraints{
			DustLimit:        btcutil.Amount(dust),
			ChanReserve:      btcutil.Amount(reserve),
			MaxPendingAmount: btcutil.Amount(maxPending),
			MinHTLC:          btcutil.Amount(minHTLC),
			MaxAcceptedHtlcs: maxHtlcs,
			CsvDelay:         csv,
		},
		MultiSigKey:         parsedKeys[0],
		RevocationBasePoint: parsedKeys[1],
		PaymentBasePoint:    parsedKeys[2],
		DelayBasePoint:      parsedKeys[3],
		HtlcBasePoint:       parsedKeys[4],
	}
	if len(upfront) != 0 {
		cfg.UpfrontShutdown = upfront
	}

	return cfg, nil
}

// encodeHTLC serializes a commitment HTLC.
func encodeHTLC(htlc HTLC) ([]byte, error) {
	var (
		incoming uint8
		id       = htlc.ID
		amount   = uint64(htlc.Amount)
		hash     = [32]byte(htlc.PaymentHash)
		expiry   = htlc.Expiry
	)
	if htlc.Incoming {
		incoming = 1
	}

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &incoming),
		tlv.MakePrimitiveRecord(1, &id),
		tlv.MakePrimitiveRecord(2, &amount),
		tlv.MakePrimitiveRecord(3, &hash),
		tlv.MakePrimitiveRecord(4, &expiry),
	)
}

// decodeHTLC reads an HTLC written by encodeHTLC.
func decodeHTLC(data []byte) (HTLC, error) {
	var (
		incoming uint8
		id       uint64
		amount   uint64
		hash     [32]byte
		expiry   uint32
	)
	_, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &incoming),
		tlv.MakePrimitiveRecord(1, &id),
		tlv.MakePrimitiveRecord(2, &amount),
		tlv.MakePrimitiveRecord(3, &hash),
		tlv.MakePrimitiveRecord(4, &expiry),
	)
	if err != nil {
		return HTLC{}, err
	}

	return HTLC{
		Incoming:    incoming == 1,
		ID:          id,
		Amount:      btcutil.Amount(amount),
		PaymentHash: lntypes.Hash(hash),
		Expiry:      expiry,
	}, nil
}

// encodeCommitment serializes the inputs of a commitment along with the
// signatures we hold for it. The transaction itself is rebuilt on restore.
func encodeCommitment(commit *Commitment) ([]byte, error) {
	htlcs := make([][]byte, 0, len(commit.Params.HTLCs))
	for _, htlc := range commit.Params.HTLCs {
		blob, err := encodeHTLC(htlc)
		if err != nil {
			return nil, err
		}
		htlcs = append(htlcs, blob)
	}
	htlcList, err := encodeList(htlcs)
	if err != nil {
		return nil, err
	}

	htlcSigs := make([]byte, 0, len(commit.htlcSigs)*64)
	for _, sig := range commit.htlcSigs {
		htlcSigs = append(htlcSigs, sig[:]...)
	}

	var (
		height       = commit.Params.Height
		feePerKw     = uint64(commit.Params.FeePerKw)
		ourBalance   = uint64(commit.Params.OurBalance)
		theirBalance = uint64(commit.Params.TheirBalance)
		ourIndex     = commit.ourMessageIndex
		theirIndex   = commit.theirMessageIndex
		sig          = [64]byte(commit.sig)
	)
	point, _ := encodePoint(commit.Params.CommitPoint)

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &height),
		tlv.MakePrimitiveRecord(1, &feePerKw),
		tlv.MakePrimitiveRecord(2, &ourBalance),
		tlv.MakePrimitiveRecord(3, &theirBalance),
		tlv.MakePrimitiveRecord(4, &htlcList),
		tlv.MakePrimitiveRecord(5, &point),
		tlv.MakePrimitiveRecord(6, &ourIndex),
		tlv.MakePrimitiveRecord(7, &theirIndex),
		tlv.MakePrimitiveRecord(8, &sig),
		tlv.MakePrimitiveRecord(9, &htlcSigs),
	)
}

// decodeCommitment rebuilds a commitment of whose written by
// encodeCommitment.
func decodeCommitment(data []byte, whose lntypes.ChannelParty,
	builder *CommitmentBuilder) (*Commitment, error) {

	var (
		height, feePerKw, ourBalance, theirBalance uint64
		ourIndex, theirIndex                       uint64
		htlcList, htlcSigs                         []byte
		point                                      [33]byte
		sig                                        [64]byte
	)
	_, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &height),
		tlv.MakePrimitiveRecord(1, &feePerKw),
		tlv.MakePrimitiveRecord(2, &ourBalance),
		tlv.MakePrimitiveRecord(3, &theirBalance),
		tlv.MakePrimitiveRecord(4, &htlcList),
		tlv.MakePrimitiveRecord(5, &point),
		tlv.MakePrimitiveRecord(6, &ourIndex),
		tlv.MakePrimitiveRecord(7, &theirIndex),
		tlv.MakePrimitiveRecord(8, &sig),
		tlv.MakePrimitiveRecord(9, &htlcSigs),
	)
	if err != nil {
		return nil, err
	}
	if len(htlcSigs)%64 != 0 {
		return nil, fmt.Errorf("%w: htlc signatures of %d bytes",
			ErrInvalidSnapshot, len(htlcSigs))
	}

	blobs, err := decodeList(htlcList)
	if err != nil {
		return nil, err
	}
	htlcs := make([]HTLC, 0, len(blobs))
	for _, blob := range blobs {
		htlc, err := decodeHTLC(blob)
		if err != nil {
			return nil, err
		}
		htlcs = append(htlcs, htlc)
	}

	commitPoint, err := btcec.ParsePubKey(point[:])
	if err != nil {
		return nil, fmt.Errorf("%w: commit point: %v",
			ErrInvalidSnapshot, err)
	}

	commit, err := builder.Build(CommitmentParams{
		WhoseCommit:  whose,
		Height:       height,
		FeePerKw:     chainfee.SatPerKWeight(feePerKw),
		OurBalance:   btcutil.Amount(ourBalance),
		TheirBalance: btcutil.Amount(theirBalance),
		HTLCs:        htlcs,
		CommitPoint:  commitPoint,
	})
	if err != nil {
		return nil, err
	}
	commit.ourMessageIndex = ourIndex
	commit.theirMessageIndex = theirIndex
	commit.sig = lnwire.Sig(sig)
	for i := 0; i < len(htlcSigs); i += 64 {
		var htlcSig lnwire.Sig
		copy(htlcSig[:], htlcSigs[i:i+64])
		commit.htlcSigs = append(commit.htlcSigs, htlcSig)
	}

	return commit, nil
}

// encodeChain serializes a commitment chain from tail to tip.
func encodeChain(chain *commitmentChain) ([]byte, error) {
	commits := chain.all()
	blobs := make([][]byte, 0, len(commits))
	for _, commit := range commits {
		blob, err := encodeCommitment(commit)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}

	return encodeList(blobs)
}

// decodeChain restores a chain written by encodeChain.
func decodeChain(data []byte, whose lntypes.ChannelParty,
	builder *CommitmentBuilder) (*commitmentChain, error) {

	blobs, err := decodeList(data)
	if err != nil {
		return nil, err
	}

	chain := newCommitmentChain()
	for _, blob := range blobs {
		commit, err := decodeCommitment(blob, whose, builder)
		if err != nil {
			return nil, err
		}
		chain.addCommitment(commit)
	}

	return chain, nil
}

// encodeDescriptor serializes a single update log entry.
func encodeDescriptor(pd *PaymentDescriptor) ([]byte, error) {
	var (
		entryType = uint8(pd.EntryType)
		rHash     = [32]byte(pd.RHash)
		preimage  = [32]byte(pd.RPreimage)
		timeout   = pd.Timeout
		amount    = uint64(pd.Amount)
		feeRate   = uint64(pd.FeeRate)
		logIndex  = pd.LogIndex
		htlcIndex = pd.HtlcIndex
		parent    = pd.ParentIndex
		reason    = []byte(pd.FailReason)
		addLocal  = pd.addCommitHeights.Local
		addRemote = pd.addCommitHeights.Remote
		remLocal  = pd.removeCommitHeights.Local
		remRemote = pd.removeCommitHeights.Remote
		lockedIn  uint8
	)
	if pd.lockedIn {
		lockedIn = 1
	}

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &entryType),
		tlv.MakePrimitiveRecord(1, &rHash),
		tlv.MakePrimitiveRecord(2, &preimage),
		tlv.MakePrimitiveRecord(3, &timeout),
		tlv.MakePrimitiveRecord(4, &amount),
		tlv.MakePrimitiveRecord(5, &feeRate),
		tlv.MakePrimitiveRecord(6, &logIndex),
		tlv.MakePrimitiveRecord(7, &htlcIndex),
		tlv.MakePrimitiveRecord(8, &parent),
		tlv.MakePrimitiveRecord(9, &reason),
		tlv.MakePrimitiveRecord(10, &addLocal),
		tlv.MakePrimitiveRecord(11, &addRemote),
		tlv.MakePrimitiveRecord(12, &remLocal),
		tlv.MakePrimitiveRecord(13, &remRemote),
		tlv.MakePrimitiveRecord(14, &lockedIn),
	)
}

// decodeDescriptor reads an entry written by encodeDescriptor.
func decodeDescriptor(data []byte) (*PaymentDescriptor, error) {
	var (
		entryType, lockedIn                      uint8
		rHash, preimage                          [32]byte
		timeout                                  uint32
		amount, feeRate, logIndex                uint64
		htlcIndex, parent                        uint64
		reason                                   []byte
		addLocal, addRemote, remLocal, remRemote uint64
	)
	_, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &entryType),
		tlv.MakePrimitiveRecord(1, &rHash),
		tlv.MakePrimitiveRecord(2, &preimage),
		tlv.MakePrimitiveRecord(3, &timeout),
		tlv.MakePrimitiveRecord(4, &amount),
		tlv.MakePrimitiveRecord(5, &feeRate),
		tlv.MakePrimitiveRecord(6, &logIndex),
		tlv.MakePrimitiveRecord(7, &htlcIndex),
		tlv.MakePrimitiveRecord(8, &parent),
		tlv.MakePrimitiveRecord(9, &reason),
		tlv.MakePrimitiveRecord(10, &addLocal),
		tlv.MakePrimitiveRecord(11, &addRemote),
		tlv.MakePrimitiveRecord(12, &remLocal),
		tlv.MakePrimitiveRecord(13, &remRemote),
		tlv.MakePrimitiveRecord(14, &lockedIn),
	)
	if err != nil {
		return nil, err
	}
	if updateType(entryType) > FeeUpdate {
		return nil, fmt.Errorf("%w: unknown update type %d",
			ErrInvalidSnapshot, entryType)
	}

	pd := &PaymentDescriptor{
		RHash:       lntypes.Hash(rHash),
		RPreimage:   lntypes.Preimage(preimage),
		Timeout:     timeout,
		Amount:      btcutil.Amount(amount),
		FeeRate:     chainfee.SatPerKWeight(feeRate),
		LogIndex:    logIndex,
		HtlcIndex:   htlcIndex,
		ParentIndex: parent,
		EntryType:   updateType(entryType),
		addCommitHeights: lntypes.Dual[uint64]{
			Local:  addLocal,
			Remote: addRemote,
		},
		removeCommitHeights: lntypes.Dual[uint64]{
			Local:  remLocal,
			Remote: remRemote,
		},
		lockedIn: lockedIn == 1,
	}
	if len(reason) != 0 {
		pd.FailReason = reason
	}

	return pd, nil
}

// encodeUpdateLog serializes a log with its counters.
func encodeUpdateLog(log *updateLog) ([]byte, error) {
	var (
		blobs  [][]byte
		encErr error
	)
	log.forEach(func(pd *PaymentDescriptor) {
		if encErr != nil {
			return
		}

		var blob []byte
		blob, encErr = encodeDescriptor(pd)
		blobs = append(blobs, blob)
	})
	if encErr != nil {
		return nil, encErr
	}

	entries, err := encodeList(blobs)
	if err != nil {
		return nil, err
	}
	logIndex, htlcCounter := log.logIndex, log.htlcCounter

	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &logIndex),
		tlv.MakePrimitiveRecord(1, &htlcCounter),
		tlv.MakePrimitiveRecord(2, &entries),
	)
}

// decodeUpdateLog restores a log written by encodeUpdateLog. The removal
// index is rebuilt by the caller once both logs are known.
func decodeUpdateLog(data []byte) (*updateLog, error) {
	var (
		logIndex, htlcCounter uint64
		entries               []byte
	)
	_, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &logIndex),
		tlv.MakePrimitiveRecord(1, &htlcCounter),
		tlv.MakePrimitiveRecord(2, &entries),
	)
	if err != nil {
		return nil, err
	}

	blobs, err := decodeList(entries)
	if err != nil {
		return nil, err
	}

	log := newUpdateLog(logIndex, htlcCounter)
	for _, blob := range blobs {
		pd, err := decodeDescriptor(blob)
		if err != nil {
			return nil, err
		}
		log.restoreEntry(pd)
	}

	return log, nil
}

// encodeSoftRejects serializes the incoming HTLCs marked for failure.
func encodeSoftRejects(rejects map[uint64]error) ([]byte, error) {
	ids := slices.Sorted(maps.Keys(rejects))
	blobs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		text := []byte(rejects[id].Error())
		blob, err := encodeRecords(
			tlv.MakePrimitiveRecord(0, &id),
			tlv.MakePrimitiveRecord(1, &text),
		)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}

	return encodeList(blobs)
}

// decodeSoftRejects reads the marks written by encodeSoftRejects.
func decodeSoftRejects(data []byte) (map[uint64]error, error) {
	blobs, err := decodeList(data)
	if err != nil {
		return nil, err
	}

	rejects := make(map[uint64]error, len(blobs))
	for _, blob := range blobs {
		var (
			id   uint64
			text []byte
		)
		_, err := decodeRecords(blob,
			tlv.MakePrimitiveRecord(0, &id),
			tlv.MakePrimitiveRecord(1, &text),
		)
		if err != nil {
			return nil, err
		}
		rejects[id] = errors.New(string(text))
	}

	return rejects, nil
}

// amountRecord appends an optional amount record to records.
func amountRecord(records []tlv.Record, typ tlv.Type,
	amt fn.Option[btcutil.Amount]) []tlv.Record {

	amt.WhenSome(func(a btcutil.Amount) {
		v := uint64(a)
		records = append(records, tlv.MakePrimitiveRecord(typ, &v))
	})

	return records
}

// optionalAmount returns v if its record was present.
func optionalAmount(v uint64, parsed tlv.TypeMap,
	typ tlv.Type) fn.Option[btcutil.Amount] {

	if _, ok := parsed[typ]; !ok {
		return fn.None[btcutil.Amount]()
	}

	return fn.Some(btcutil.Amount(v))
}

// encodeNegotiation serializes a closing fee negotiation.
func encodeNegotiation(n *chancloser.ClosingNegotiation) ([]byte, error) {
	var (
		cfg      = n.Config()
		state    = n.State()
		round    = state.Round
		maxRound = cfg.MaxRounds
		tieBreak = uint8(cfg.TieBreak)
		ideal    = uint64(cfg.IdealFee)
		maxFee   = uint64(cfg.MaxFee)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &round),
		tlv.MakePrimitiveRecord(1, &maxRound),
		tlv.MakePrimitiveRecord(2, &tieBreak),
		tlv.MakePrimitiveRecord(3, &ideal),
		tlv.MakePrimitiveRecord(4, &maxFee),
	}
	records = amountRecord(records, 5, state.LastLocal)
	records = amountRecord(records, 6, state.LastRemote)
	records = amountRecord(records, 7, state.Agreed)

	return encodeRecords(records...)
}

// decodeNegotiation restores a negotiation written by encodeNegotiation.
func decodeNegotiation(data []byte) (*chancloser.ClosingNegotiation, error) {
	var (
		round, maxRound                  uint32
		tieBreak                         uint8
		ideal, maxFee                    uint64
		lastLocal, lastRemote, agreedFee uint64
	)
	parsed, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &round),
		tlv.MakePrimitiveRecord(1, &maxRound),
		tlv.MakePrimitiveRecord(2, &tieBreak),
		tlv.MakePrimitiveRecord(3, &ideal),
		tlv.MakePrimitiveRecord(4, &maxFee),
		tlv.MakePrimitiveRecord(5, &lastLocal),
		tlv.MakePrimitiveRecord(6, &lastRemote),
		tlv.MakePrimitiveRecord(7, &agreedFee),
	)
	if err != nil {
		return nil, err
	}

	return chancloser.RestoreClosingNegotiation(chancloser.Config{
		MaxRounds: maxRound,
		TieBreak:  chancloser.TieBreak(tieBreak),
		IdealFee:  btcutil.Amount(ideal),
		MaxFee:    btcutil.Amount(maxFee),
	}, chancloser.NegotiationState{
		Round:      round,
		LastLocal:  optionalAmount(lastLocal, parsed, 5),
		LastRemote: optionalAmount(lastRemote, parsed, 6),
		Agreed:     optionalAmount(agreedFee, parsed, 7),
	})
}

// encodeCloseState serializes the cooperative close progress.
func encodeCloseState(c *closeState) ([]byte, error) {
	var (
		records      []tlv.Record
		localScript  = []byte(c.localScript)
		remoteScript = []byte(c.remoteScript)
		failed       uint8
	)
	if c.localScript != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			0, &localScript,
		))
	}
	if c.remoteScript != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			1, &remoteScript,
		))
	}

	var feeRate uint64
	c.feeRate.WhenSome(func(rate chainfee.SatPerKWeight) {
		feeRate = uint64(rate)
		records = append(records, tlv.MakePrimitiveRecord(2, &feeRate))
	})

	if c.negotiation != nil {
		negotiation, err := encodeNegotiation(c.negotiation)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(
			3, &negotiation,
		))
	}

	if c.failed {
		failed = 1
	}
	records = append(records, tlv.MakePrimitiveRecord(4, &failed))

	closeTx, err := encodeTx(c.closeTx)
	if err != nil {
		return nil, err
	}
	if closeTx != nil {
		records = append(records, tlv.MakePrimitiveRecord(5, &closeTx))
	}
	records = amountRecord(records, 6, c.closingFee)

	return encodeRecords(records...)
}

// decodeCloseState restores the close progress written by encodeCloseState.
func decodeCloseState(data []byte) (closeState, error) {
	var (
		localScript, remoteScript []byte
		feeRate                   uint64
		negotiation               []byte
		failed                    uint8
		closeTx                   []byte
		closingFee                uint64
	)
	parsed, err := decodeRecords(data,
		tlv.MakePrimitiveRecord(0, &localScript),
		tlv.MakePrimitiveRecord(1, &remoteScript),
		tlv.MakePrimitiveRecord(2, &feeRate),
		tlv.MakePrimitiveRecord(3, &negotiation),
		tlv.MakePrimitiveRecord(4, &failed),
		tlv.MakePrimitiveRecord(5, &closeTx),
		tlv.MakePrimitiveRecord(6, &closingFee),
	)
	if err != nil {
		return closeState{}, err
	}

	state := newCloseState()
	if _, ok := parsed[0]; ok {
		state.localScript = localScript
	}
	if _, ok := parsed[1]; ok {
		state.remoteScript = remoteScript
	}
	if _, ok := parsed[2]; ok {
		state.feeRate = fn.Some(chainfee.SatPerKWeight(feeRate))
	}
	if _, ok := parsed[3]; ok {
		state.negotiation, err = decodeNegotiation(negotiation)
		if err != nil {
			return closeState{}, err
		}
	}
	state.failed = failed == 1
	state.closeTx, err = decodeTx(closeTx)
	if err != nil {
		return closeState{}, err
	}
	state.closingFee = optionalAmount(closingFee, parsed, 6)

	return state, nil
}

// Snapshot serializes the complete channel state. RestoreChannel turns it
// back into a channel that behaves exactly like this one.
func (lc *LightningChannel) Snapshot() ([]byte, error) {
	var (
		state          = uint8(lc.state)
		stage          = uint8(lc.stage)
		funder         = uint8(lc.funder)
		pendingChanID  = lc.pendingChanID
		chanID         = [32]byte(lc.chanID)
		capacity       = uint64(lc.capacity)
		pushAmt        = uint64(lc.pushAmt)
		initialFeeRate = uint64(lc.initialFeeRate)
		fundingTxid    = [32]byte(lc.fundingOutpoint.Hash)
		fundingIndex   = lc.fundingOutpoint.Index
		pkScript       = lc.fundingPkScript
		ready          uint8
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(snapStateType, &state),
		tlv.MakePrimitiveRecord(snapStageType, &stage),
		tlv.MakePrimitiveRecord(snapFunderType, &funder),
		tlv.MakePrimitiveRecord(snapPendingChanIDType, &pendingChanID),
		tlv.MakePrimitiveRecord(snapChanIDType, &chanID),
		tlv.MakePrimitiveRecord(snapCapacityType, &capacity),
		tlv.MakePrimitiveRecord(snapPushType, &pushAmt),
		tlv.MakePrimitiveRecord(snapInitialFeeType, &initialFeeRate),
	}

	var remoteCfg []byte
	if lc.remoteCfg != nil {
		var err error
		remoteCfg, err = encodeChannelConfig(lc.remoteCfg)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(
			snapRemoteCfgType, &remoteCfg,
		))
	}

	fundingTx, err := encodeTx(lc.fundingTx)
	if err != nil {
		return nil, err
	}
	records = append(records,
		tlv.MakePrimitiveRecord(snapFundingTxidType, &fundingTxid),
		tlv.MakePrimitiveRecord(snapFundingIndexType, &fundingIndex),
		tlv.MakePrimitiveRecord(snapFundingTxType, &fundingTx),
		tlv.MakePrimitiveRecord(snapFundingPkScriptType, &pkScript),
	)

	localChain, err := encodeChain(lc.commitChains.Local)
	if err != nil {
		return nil, err
	}
	remoteChain, err := encodeChain(lc.commitChains.Remote)
	if err != nil {
		return nil, err
	}
	localLog, err := encodeUpdateLog(lc.htlcs.logs.Local)
	if err != nil {
		return nil, err
	}
	remoteLog, err := encodeUpdateLog(lc.htlcs.logs.Remote)
	if err != nil {
		return nil, err
	}

	var store bytes.Buffer
	if err := lc.revocations.store.Encode(&store); err != nil {
		return nil, err
	}
	revStore := store.Bytes()

	records = append(records,
		tlv.MakePrimitiveRecord(snapLocalChainType, &localChain),
		tlv.MakePrimitiveRecord(snapRemoteChainType, &remoteChain),
		tlv.MakePrimitiveRecord(snapLocalLogType, &localLog),
		tlv.MakePrimitiveRecord(snapRemoteLogType, &remoteLog),
		tlv.MakePrimitiveRecord(snapRevStoreType, &revStore),
	)

	var lastRevealed uint64
	lc.revocations.lastRevealed.WhenSome(func(h uint64) {
		lastRevealed = h
		records = append(records, tlv.MakePrimitiveRecord(
			snapLastRevealedType, &lastRevealed,
		))
	})

	curPoint, ok := encodePoint(lc.revocations.remoteCurrentPoint)
	if ok {
		records = append(records, tlv.MakePrimitiveRecord(
			snapRemoteCurPointType, &curPoint,
		))
	}
	nextPoint, ok := encodePoint(lc.revocations.remoteNextPoint)
	if ok {
		records = append(records, tlv.MakePrimitiveRecord(
			snapRemoteNextPointType, &nextPoint,
		))
	}

	var committedFee, localFee, remoteFee uint64
	if lc.fees != nil {
		committedFee = uint64(lc.fees.Committed())
		records = append(records, tlv.MakePrimitiveRecord(
			snapCommittedFeeType, &committedFee,
		))
		lc.fees.Pending(lntypes.Local).WhenSome(
			func(r chainfee.SatPerKWeight) {
				localFee = uint64(r)
				records = append(records, tlv.MakePrimitiveRecord(
					snapLocalFeeType, &localFee,
				))
			},
		)
		lc.fees.Pending(lntypes.Remote).WhenSome(
			func(r chainfee.SatPerKWeight) {
				remoteFee = uint64(r)
				records = append(records, tlv.MakePrimitiveRecord(
					snapRemoteFeeType, &remoteFee,
				))
			},
		)
	}

	if lc.readySent {
		ready |= readySentFlag
	}
	if lc.readyReceived {
		ready |= readyReceivedFlag
	}

	softRejects, err := encodeSoftRejects(lc.softRejects)
	if err != nil {
		return nil, err
	}
	closing, err := encodeCloseState(&lc.closing)
	if err != nil {
		return nil, err
	}

	records = append(records,
		tlv.MakePrimitiveRecord(snapReadyType, &ready),
		tlv.MakePrimitiveRecord(snapSoftRejectsType, &softRejects),
		tlv.MakePrimitiveRecord(snapCloseType, &closing),
	)

	return encodeRecords(records...)
}

// RestoreChannel re-creates a channel from a Snapshot. The config must carry
// the same keys and revocation producer the channel was created with.
func RestoreChannel(cfg Config, snapshot []byte) (*LightningChannel, error) {
	lc, err := NewLightningChannel(cfg)
	if err != nil {
		return nil, err
	}

	var (
		state, stage, funder, ready        uint8
		pendingChanID, chanID, fundingTxid [32]byte
		capacity, pushAmt, initialFeeRate  uint64
		fundingIndex                       uint32
		remoteCfg, fundingTx, pkScript     []byte
		localChain, remoteChain            []byte
		localLog, remoteLog, revStore      []byte
		lastRevealed                       uint64
		curPoint, nextPoint                [33]byte
		committedFee, localFee, remoteFee  uint64
		softRejects, closing               []byte
	)
	parsed, err := decodeRecords(snapshot,
		tlv.MakePrimitiveRecord(snapStateType, &state),
		tlv.MakePrimitiveRecord(snapStageType, &stage),
		tlv.MakePrimitiveRecord(snapFunderType, &funder),
		tlv.MakePrimitiveRecord(snapPendingChanIDType, &pendingChanID),
		tlv.MakePrimitiveRecord(snapChanIDType, &chanID),
		tlv.MakePrimitiveRecord(snapCapacityType, &capacity),
		tlv.MakePrimitiveRecord(snapPushType, &pushAmt),
		tlv.MakePrimitiveRecord(snapInitialFeeType, &initialFeeRate),
		tlv.MakePrimitiveRecord(snapRemoteCfgType, &remoteCfg),
		tlv.MakePrimitiveRecord(snapFundingTxidType, &fundingTxid),
		tlv.MakePrimitiveRecord(snapFundingIndexType, &fundingIndex),
		tlv.MakePrimitiveRecord(snapFundingTxType, &fundingTx),
		tlv.MakePrimitiveRecord(snapFundingPkScriptType, &pkScript),
		tlv.MakePrimitiveRecord(snapLocalChainType, &localChain),
		tlv.MakePrimitiveRecord(snapRemoteChainType, &remoteChain),
		tlv.MakePrimitiveRecord(snapLocalLogType, &localLog),
		tlv.MakePrimitiveRecord(snapRemoteLogType, &remoteLog),
		tlv.MakePrimitiveRecord(snapRevStoreType, &revStore),
		tlv.MakePrimitiveRecord(snapLastRevealedType, &lastRevealed),
		tlv.MakePrimitiveRecord(snapRemoteCurPointType, &curPoint),
		tlv.MakePrimitiveRecord(snapRemoteNextPointType, &nextPoint),
		tlv.MakePrimitiveRecord(snapCommittedFeeType, &committedFee),
		tlv.MakePrimitiveRecord(snapLocalFeeType, &localFee),
		tlv.MakePrimitiveRecord(snapRemoteFeeType, &remoteFee),
		tlv.MakePrimitiveRecord(snapReadyType, &ready),
		tlv.MakePrimitiveRecord(snapSoftRejectsType, &softRejects),
		tlv.MakePrimitiveRecord(snapCloseType, &closing),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	if ChannelState(state) > AwaitingOnChainResolution ||
		fundingStage(stage) > fundingDone ||
		lntypes.ChannelParty(funder) > lntypes.Remote {

		return nil, fmt.Errorf("%w: state=%d, stage=%d, funder=%d",
			ErrInvalidSnapshot, state, stage, funder)
	}

	lc.state = ChannelState(state)
	lc.stage = fundingStage(stage)
	lc.funder = lntypes.ChannelParty(funder)
	lc.pendingChanID = pendingChanID
	lc.chanID = lnwire.ChannelID(chanID)
	lc.capacity = btcutil.Amount(capacity)
	lc.pushAmt = btcutil.Amount(pushAmt)
	lc.initialFeeRate = chainfee.SatPerKWeight(initialFeeRate)
	lc.fundingOutpoint = wire.OutPoint{
		Hash:  chainhash.Hash(fundingTxid),
		Index: fundingIndex,
	}
	if len(pkScript) != 0 {
		lc.fundingPkScript = pkScript
	}
	lc.fundingTx, err = decodeTx(fundingTx)
	if err != nil {
		return nil, fmt.Errorf("%w: funding tx: %v", ErrInvalidSnapshot,
			err)
	}
	lc.readySent = ready&readySentFlag != 0
	lc.readyReceived = ready&readyReceivedFlag != 0

	if _, ok := parsed[snapRemoteCfgType]; ok {
		lc.remoteCfg, err = decodeChannelConfig(remoteCfg)
		if err != nil {
			return nil, err
		}
	}

	if err := lc.restoreRevocations(
		revStore, parsed, lastRevealed, curPoint, nextPoint,
	); err != nil {
		return nil, err
	}

	if _, ok := parsed[snapCommittedFeeType]; ok {
		lc.fees = NewFeeNegotiator(
			cfg.Policy.FeeBounds, lc.funder,
			chainfee.SatPerKWeight(committedFee),
		)
		if _, ok := parsed[snapLocalFeeType]; ok {
			lc.fees.pending.Local = fn.Some(
				chainfee.SatPerKWeight(localFee),
			)
		}
		if _, ok := parsed[snapRemoteFeeType]; ok {
			lc.fees.pending.Remote = fn.Some(
				chainfee.SatPerKWeight(remoteFee),
			)
		}
	}

	if err := lc.restoreLogs(localLog, remoteLog); err != nil {
		return nil, err
	}

	// The commitments can only be rebuilt once the funding outpoint is
	// known.
	if lc.stage >= fundingCreatedSent {
		err := lc.restoreCommitments(localChain, remoteChain)
		if err != nil {
			return nil, err
		}
	}

	lc.softRejects, err = decodeSoftRejects(softRejects)
	if err != nil {
		return nil, err
	}
	lc.closing, err = decodeCloseState(closing)
	if err != nil {
		return nil, err
	}

	heights := lc.CommitHeights()
	lc.log.Infof("Channel restored in state %v at heights local=%d, "+
		"remote=%d", lc.state, heights.Local, heights.Remote)

	return lc, nil
}

// restoreRevocations puts back the remote secrets and points.
func (lc *LightningChannel) restoreRevocations(revStore []byte,
	parsed tlv.TypeMap, lastRevealed uint64, curPoint,
	nextPoint [33]byte) error {

	store, err := shachain.NewRevocationStoreFromBytes(
		bytes.NewReader(revStore),
	)
	if err != nil {
		return fmt.Errorf("%w: revocation store: %v",
			ErrInvalidSnapshot, err)
	}
	lc.revocations.store = store

	if _, ok := parsed[snapLastRevealedType]; ok {
		lc.revocations.lastRevealed = fn.Some(lastRevealed)
	}

	current, err := decodePoint(curPoint, parsed, snapRemoteCurPointType)
	if err != nil {
		return fmt.Errorf("%w: remote point: %v", ErrInvalidSnapshot,
			err)
	}
	next, err := decodePoint(nextPoint, parsed, snapRemoteNextPointType)
	if err != nil {
		return fmt.Errorf("%w: remote next point: %v",
			ErrInvalidSnapshot, err)
	}
	lc.revocations.SetRemotePoints(current, next)

	return nil
}

// restoreLogs puts back both update logs and re-derives which HTLCs have a
// pending removal in the other log.
func (lc *LightningChannel) restoreLogs(localLog, remoteLog []byte) error {
	local, err := decodeUpdateLog(localLog)
	if err != nil {
		return err
	}
	remote, err := decodeUpdateLog(remoteLog)
	if err != nil {
		return err
	}
	lc.htlcs.logs = lntypes.Dual[*updateLog]{
		Local:  local,
		Remote: remote,
	}

	for _, party := range []lntypes.ChannelParty{
		lntypes.Local, lntypes.Remote,
	} {
		parents := lc.htlcs.logs.GetForParty(party.CounterParty())
		lc.htlcs.logs.GetForParty(party).forEach(
			func(pd *PaymentDescriptor) {
				if pd.EntryType == Settle ||
					pd.EntryType == Fail {

					parents.markHtlcModified(
						pd.ParentIndex, pd.EntryType,
					)
				}
			},
		)
	}

	return nil
}

// restoreCommitments recreates the commitment builder and rebuilds both
// chains.
func (lc *LightningChannel) restoreCommitments(localChain,
	remoteChain []byte) error {

	if lc.remoteCfg == nil {
		return fmt.Errorf("%w: commitments without remote config",
			ErrInvalidSnapshot)
	}

	builder, err := NewCommitmentBuilder(
		lc.fundingOutpoint, lc.capacity, lc.funder,
		&lc.cfg.LocalConfig, lc.remoteCfg,
	)
	if err != nil {
		return err
	}
	lc.builder = builder
	lc.log = walletLog.WithPrefix(
		fmt.Sprintf("ChannelPoint(%v):", lc.fundingOutpoint),
	)

	local, err := decodeChain(localChain, lntypes.Local, builder)
	if err != nil {
		return err
	}
	remote, err := decodeChain(remoteChain, lntypes.Remote, builder)
	if err != nil {
		return err
	}
	if local.isEmpty() || remote.isEmpty() {
		return fmt.Errorf("%w: empty commitment chain",
			ErrInvalidSnapshot)
	}
	lc.commitChains = lntypes.Dual[*commitmentChain]{
		Local:  local,
		Remote: remote,
	}

	return nil
}
