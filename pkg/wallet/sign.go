package wallet

import (
	"bytes"
	"context"
	"fmt"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"golang.org/x/sync/errgroup"
)

// SignerOpts is the struct given to NewSigner.
type SignerOpts struct {
	Engine   *Engine
	Registry *AccountRegistry
	Cache    *AddressCache
	// MasterFingerprint is matched against PSBT key origins.
	MasterFingerprint uint32
	Metrics           *stats.Metrics
	Logger            *log.Entry
}

func (o SignerOpts) validate() error {
	if o.Engine == nil {
		return ErrNullEngine
	}
	if o.Registry == nil {
		return ErrNullRegistry
	}
	return nil
}

// Signer signs the inputs of unsigned transactions spending outputs of an
// account. It never changes the used flag of addresses.
type Signer struct {
	engine      *Engine
	registry    *AccountRegistry
	cache       *AddressCache
	fingerprint uint32
	metrics     *stats.Metrics
	log         *log.Entry
}

// NewSigner ...
func NewSigner(opts SignerOpts) (*Signer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cache := opts.Cache
	if cache == nil {
		cache = opts.Registry.cache
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Signer{
		engine:      opts.Engine,
		registry:    opts.Registry,
		cache:       cache,
		fingerprint: opts.MasterFingerprint,
		metrics:     opts.Metrics,
		log:         logger,
	}, nil
}

type inputSignature struct {
	signature []byte
	pubkey    []byte
	hashType  txscript.SigHashType
}

// SignTransaction signs every input of packet with keys of the account and
// returns the resulting transaction. Inputs are signed in parallel and each
// of them is verified with the script engine before returning. The packet is
// left untouched.
func (s *Signer) SignTransaction(
	ctx context.Context, a *Account, packet *psbt.Packet,
) (*SignedTransaction, error) {
	signed, err := s.signTransaction(ctx, a, packet)
	if err != nil {
		s.metrics.SignFailure()
		s.log.WithError(err).WithField("account", a.id.String()).Warn("failed to sign transaction")
		return nil, err
	}
	return signed, nil
}

func (s *Signer) signTransaction(
	ctx context.Context, a *Account, packet *psbt.Packet,
) (*SignedTransaction, error) {
	if a == nil {
		return nil, ErrNullAccount
	}
	if packet == nil {
		return nil, ErrNullTransaction
	}
	if a.watchOnly {
		return nil, fmt.Errorf("%w: account %s is watch-only", ErrPrivateKeyRequired, a.id)
	}

	outs, err := prevOuts(packet)
	if err != nil {
		return nil, err
	}

	addresses := make([]*Address, len(outs))
	hashTypes := make([]txscript.SigHashType, len(outs))
	for i, out := range outs {
		if _, ok := scriptTypeOf(out.PkScript); !ok {
			return nil, fmt.Errorf("%w: input %d: script class %s",
				ErrUnsupportedScript, i, txscript.GetScriptClass(out.PkScript))
		}
		addr, err := s.resolve(a, out.PkScript, packet.Inputs[i])
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %w", ErrSigningFailure, i, err)
		}
		hashType, err := sigHashType(packet.Inputs[i].SighashType, addr.Type)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		key := AddressKey{Type: addr.Type, Path: addr.Path.String()}
		if s.cache.Pin(key) {
			defer s.cache.Unpin(key)
		}
		addresses[i] = addr
		hashTypes[i] = hashType
	}

	accountKey, err := s.registry.AccountKey(a)
	if err != nil {
		return nil, err
	}

	tx := packet.UnsignedTx.Copy()
	fetcher := prevOutFetcher(tx, outs)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sigs := make([]*inputSignature, len(outs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for i := range outs {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sig, err := s.signInput(
				tx, sigHashes, i, outs[i], addresses[i], hashTypes[i], accountKey,
			)
			if err != nil {
				return fmt.Errorf("%w: input %d: %w", ErrSigningFailure, i, err)
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	signed := &SignedTransaction{
		Tx:       tx,
		Inputs:   make([]SignedInput, len(outs)),
		PrevOuts: outs,
	}
	for i, sig := range sigs {
		addr := addresses[i]
		if err := finalizeInput(tx.TxIn[i], addr, sig); err != nil {
			return nil, fmt.Errorf("%w: input %d: %w", ErrSigningFailure, i, err)
		}
		signed.Inputs[i] = SignedInput{
			Index:      i,
			ScriptType: addr.Type,
			Path:       append(DerivationPath{}, addr.Path...),
			Signature:  sig.signature,
			PubKey:     sig.pubkey,
			SigHash:    sig.hashType,
		}
	}

	if err := signed.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}

	for _, addr := range addresses {
		s.metrics.Signature(addr.Type.String())
	}
	s.log.WithFields(log.Fields{
		"account": a.id.String(),
		"txid":    signed.TxID(),
		"inputs":  len(outs),
	}).Debug("signed transaction")
	return signed, nil
}

// resolve finds the address of the account paying to pkScript, first among
// the addresses derived so far, then through the BIP32 key origins of the
// input.
func (s *Signer) resolve(a *Account, pkScript []byte, in psbt.PInput) (*Address, error) {
	owner, addr, err := s.registry.AccountByScript(pkScript)
	if err == nil && owner == a {
		return addr, nil
	}

	accountPath := a.id.Path()
	for _, origin := range keyOrigins(in) {
		if origin.fingerprint != s.fingerprint {
			continue
		}
		path := DerivationPath(origin.path)
		if len(path) != len(accountPath)+2 || !path.HasPrefix(accountPath) {
			continue
		}
		addr, err := s.registry.Address(a, path[3], path[4])
		if err != nil {
			continue
		}
		if bytes.Equal(addr.PkScript, pkScript) {
			return addr, nil
		}
	}

	return nil, fmt.Errorf("%w: script %x in account %s", ErrKeyNotFound, pkScript, a.id)
}

func (s *Signer) signInput(
	tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, index int,
	prevOut *wire.TxOut, addr *Address, hashType txscript.SigHashType,
	accountKey *Key,
) (*inputSignature, error) {
	rel := addr.Path[len(addr.Path)-2:]
	result := &inputSignature{hashType: hashType}

	err := s.engine.WithPrivateKey(accountKey, rel, func(priv *btcec.PrivateKey) error {
		pubkey := priv.PubKey()
		if !pubkey.IsEqual(addr.PubKey) {
			return fmt.Errorf("derived key does not match address %s", addr)
		}

		if addr.Type == P2TR {
			sig, err := txscript.RawTxInTaprootSignature(
				tx, sigHashes, index, prevOut.Value, prevOut.PkScript,
				nil, hashType, priv,
			)
			if err != nil {
				return err
			}
			result.signature = sig
			return nil
		}

		var hash []byte
		var err error
		switch addr.Type {
		case P2PKH:
			hash, err = txscript.CalcSignatureHash(prevOut.PkScript, hashType, tx, index)
		case P2WPKH:
			hash, err = txscript.CalcWitnessSigHash(
				prevOut.PkScript, sigHashes, hashType, tx, index, prevOut.Value,
			)
		case P2SH_P2WPKH:
			hash, err = txscript.CalcWitnessSigHash(
				addr.RedeemScript, sigHashes, hashType, tx, index, prevOut.Value,
			)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedScript, addr.Type)
		}
		if err != nil {
			return err
		}

		// RFC6979 nonce, low S
		signature := ecdsa.Sign(priv, hash)
		if !signature.Verify(hash, pubkey) {
			return fmt.Errorf("signature verification failed")
		}

		result.signature = append(signature.Serialize(), byte(hashType))
		result.pubkey = pubkey.SerializeCompressed()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func finalizeInput(in *wire.TxIn, addr *Address, sig *inputSignature) error {
	switch addr.Type {
	case P2PKH:
		script, err := txscript.NewScriptBuilder().
			AddData(sig.signature).
			AddData(sig.pubkey).
			Script()
		if err != nil {
			return err
		}
		in.SignatureScript = script

	case P2SH_P2WPKH:
		script, err := txscript.NewScriptBuilder().AddData(addr.RedeemScript).Script()
		if err != nil {
			return err
		}
		in.SignatureScript = script
		in.Witness = wire.TxWitness{sig.signature, sig.pubkey}

	case P2WPKH:
		in.Witness = wire.TxWitness{sig.signature, sig.pubkey}

	case P2TR:
		in.Witness = wire.TxWitness{sig.signature}

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedScript, addr.Type)
	}
	return nil
}

// sigHashType returns the sighash flags to sign with. Unset flags default to
// SIGHASH_ALL, or SIGHASH_DEFAULT for taproot.
func sigHashType(hashType txscript.SigHashType, scriptType ScriptType) (txscript.SigHashType, error) {
	if hashType == 0 {
		if scriptType == P2TR {
			return txscript.SigHashDefault, nil
		}
		return txscript.SigHashAll, nil
	}

	switch hashType &^ txscript.SigHashAnyOneCanPay {
	case txscript.SigHashAll, txscript.SigHashNone, txscript.SigHashSingle:
		return hashType, nil
	default:
		return 0, fmt.Errorf("%w: sighash type 0x%x", ErrUnsupportedScript, uint32(hashType))
	}
}

type keyOrigin struct {
	fingerprint uint32
	path        []uint32
}

func keyOrigins(in psbt.PInput) []keyOrigin {
	origins := make([]keyOrigin, 0, len(in.Bip32Derivation)+len(in.TaprootBip32Derivation))
	for _, d := range in.Bip32Derivation {
		origins = append(origins, keyOrigin{d.MasterKeyFingerprint, d.Bip32Path})
	}
	for _, d := range in.TaprootBip32Derivation {
		origins = append(origins, keyOrigin{d.MasterKeyFingerprint, d.Bip32Path})
	}
	return origins
}
