package ledger

import (
	"errors"
	"fmt"
)

// MaxTransactionSize is the largest serialized transaction the network
// accepts (IPv6 MTU minus headers).
const MaxTransactionSize = 1232

// SPL token instruction discriminator for CloseAccount.
const tokenInstructionCloseAccount = 9

// Errors
var (
	ErrNoInstructions      = errors.New("ledger: transaction has no instructions")
	ErrTooManyAccounts     = errors.New("ledger: transaction references more than 256 accounts")
	ErrUnsupportedSigners  = errors.New("ledger: transaction requires signers other than the payer")
	ErrTransactionTooLarge = errors.New("ledger: serialized transaction exceeds size limit")
)

// AccountMeta describes how an instruction uses an account.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation before compilation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// CloseAccountInstruction builds the SPL token CloseAccount instruction that
// transfers all lamports of an empty token account to destination and
// deletes it. authority must sign.
func CloseAccountInstruction(account, destination, authority PublicKey) Instruction {
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: account, IsWritable: true},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: authority, IsSigner: true},
		},
		Data: []byte{tokenInstructionCloseAccount},
	}
}

// MessageHeader counts the signer and read-only sections of AccountKeys.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy (unversioned) transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

type keyFlags struct {
	signer   bool
	writable bool
}

// CompileMessage orders the accounts referenced by instructions into the
// four sections the runtime expects (writable signers, read-only signers,
// writable non-signers, read-only non-signers) with payer first, and
// rewrites each instruction to use key indexes.
func CompileMessage(payer PublicKey, instructions []Instruction, blockhash Hash) (*Message, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}

	var order []PublicKey
	flags := make(map[PublicKey]*keyFlags)
	add := func(pk PublicKey, signer, writable bool) {
		f, ok := flags[pk]
		if !ok {
			f = &keyFlags{}
			flags[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, meta := range ix.Accounts {
			add(meta.PublicKey, meta.IsSigner, meta.IsWritable)
		}
	}
	for _, ix := range instructions {
		add(ix.ProgramID, false, false)
	}

	if len(order) > 256 {
		return nil, ErrTooManyAccounts
	}

	keys := make([]PublicKey, 0, len(order))
	section := func(signer, writable bool) int {
		n := 0
		for _, pk := range order {
			f := flags[pk]
			if f.signer == signer && f.writable == writable {
				keys = append(keys, pk)
				n++
			}
		}
		return n
	}
	signedWritable := section(true, true)
	signedReadonly := section(true, false)
	section(false, true)
	unsignedReadonly := section(false, false)

	index := make(map[PublicKey]uint8, len(keys))
	for i, pk := range keys {
		index[pk] = uint8(i)
	}

	compiled := make([]CompiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		accounts := make([]uint8, len(ix.Accounts))
		for i, meta := range ix.Accounts {
			accounts[i] = index[meta.PublicKey]
		}
		compiled = append(compiled, CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       accounts,
			Data:           append([]byte(nil), ix.Data...),
		})
	}

	return &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(signedWritable + signedReadonly),
			NumReadonlySignedAccounts:   uint8(signedReadonly),
			NumReadonlyUnsignedAccounts: uint8(unsignedReadonly),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    compiled,
	}, nil
}

// Serialize encodes the message in the legacy wire format. These are the
// bytes that get signed.
func (m *Message) Serialize() []byte {
	b := make([]byte, 0, 3+1+len(m.AccountKeys)*PublicKeyLength+HashLength+64)
	b = append(b,
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	)
	b = appendCompactU16(b, len(m.AccountKeys))
	for _, pk := range m.AccountKeys {
		b = append(b, pk[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendCompactU16(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = appendCompactU16(b, len(ix.Accounts))
		b = append(b, ix.Accounts...)
		b = appendCompactU16(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	return b
}

// Transaction is a signed message ready for submission.
type Transaction struct {
	Signatures []Signature
	Message    *Message
}

// NewSignedTransaction compiles instructions with payer as fee payer and
// sole signer, and signs the result. Instructions that need any other
// signer are rejected.
func NewSignedTransaction(instructions []Instruction, blockhash Hash, payer *Keypair) (*Transaction, error) {
	msg, err := CompileMessage(payer.PublicKey(), instructions, blockhash)
	if err != nil {
		return nil, err
	}
	if msg.Header.NumRequiredSignatures != 1 {
		return nil, fmt.Errorf("%w: %d signatures required", ErrUnsupportedSigners, msg.Header.NumRequiredSignatures)
	}

	tx := &Transaction{
		Signatures: []Signature{payer.Sign(msg.Serialize())},
		Message:    msg,
	}
	if size := len(tx.Serialize()); size > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, size)
	}
	return tx, nil
}

// Signature returns the transaction id (the fee payer's signature).
func (t *Transaction) Signature() Signature {
	if len(t.Signatures) == 0 {
		return Signature{}
	}
	return t.Signatures[0]
}

// Serialize encodes the signatures followed by the message.
func (t *Transaction) Serialize() []byte {
	msg := t.Message.Serialize()
	b := make([]byte, 0, 1+len(t.Signatures)*SignatureLength+len(msg))
	b = appendCompactU16(b, len(t.Signatures))
	for _, sig := range t.Signatures {
		b = append(b, sig[:]...)
	}
	return append(b, msg...)
}

// appendCompactU16 writes n using the shortvec encoding: 7 bits per byte,
// high bit set on every byte except the last.
func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}
