package security

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

// Permission bits of the /P entry.
const (
	PermPrint            = 1 << 2
	PermModify           = 1 << 3
	PermCopy             = 1 << 4
	PermAnnotate         = 1 << 5
	PermFillForms        = 1 << 8
	PermExtract          = 1 << 9
	PermAssemble         = 1 << 10
	PermPrintHighQuality = 1 << 11
)

// allPermissions has every bit set except the two low bits, which must be 0.
const allPermissions int32 = -4

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

// PermissionValue returns the /P value that withholds the named
// capabilities: print, copy, edit and annotate. Withholding print also
// withholds high-quality print.
func PermissionValue(restrict []string) (int32, error) {
	p := allPermissions
	for _, name := range restrict {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "print":
			p &^= PermPrint | PermPrintHighQuality
		case "copy":
			p &^= PermCopy
		case "edit":
			p &^= PermModify
		case "annotate":
			p &^= PermAnnotate
		case "":
		default:
			return 0, fmt.Errorf("unknown restriction %q (want print, copy, edit or annotate)", name)
		}
	}
	return p, nil
}

// EncryptionConfig describes the Standard handler written to the output.
type EncryptionConfig struct {
	UserPassword  string
	OwnerPassword string
	// Revision is 4 (AES-128) or 6 (AES-256). Zero selects 6.
	Revision int
	Restrict []string
	// FileID is the first element of the trailer /ID. Revision 4 keys
	// depend on it.
	FileID            []byte
	PlaintextMetadata bool
}

// BuildStandardEncryption creates the /Encrypt dictionary for cfg together
// with a handler, already keyed, that encrypts objects for it. An empty owner
// password is replaced by a random one so that restrictions cannot be lifted
// with the user password.
func BuildStandardEncryption(cfg EncryptionConfig) (*raw.DictObj, Handler, error) {
	p, err := PermissionValue(cfg.Restrict)
	if err != nil {
		return nil, nil, &pdferr.EncryptionError{Detail: "permissions", Err: err}
	}
	owner := cfg.OwnerPassword
	if owner == "" {
		owner = fmt.Sprintf("%x", randomBytes(16))
	}
	h := &standardHandler{p: p, fileID: cfg.FileID, encryptMeta: !cfg.PlaintextMetadata, authed: true}
	enc := raw.Dict()
	enc.Set("Filter", raw.NameObj{Val: "Standard"})

	switch cfg.Revision {
	case 0, 6:
		h.v, h.r, h.keyLen = 5, 6, 32
		h.key = randomBytes(32)
		user := prepareAES256([]byte(cfg.UserPassword))
		own := prepareAES256([]byte(owner))
		h.u, h.ue = passwordEntries(h.r, user, nil, h.key)
		h.o, h.oe = passwordEntries(h.r, own, h.u, h.key)
		h.perms = permsEntry(h.key, p, h.encryptMeta)
		h.streamAlgo, h.stringAlgo = algoAESV3, algoAESV3
	case 4:
		if len(cfg.FileID) == 0 {
			return nil, nil, &pdferr.EncryptionError{Detail: "revision 4 needs a file identifier"}
		}
		h.v, h.r, h.keyLen = 4, 4, 16
		h.o = ownerEntry(h.r, h.keyLen, []byte(owner), []byte(cfg.UserPassword))
		h.key = computeKey(h.params(), []byte(cfg.UserPassword))
		h.u = userEntry(h.params(), h.key)
		h.streamAlgo, h.stringAlgo = algoAESV2, algoAESV2
	default:
		return nil, nil, unsupported("cannot write revision %d", cfg.Revision)
	}
	h.cryptFilters = map[string]cryptAlgo{"StdCF": h.streamAlgo}

	cfm, cfLen := "AESV3", int64(32)
	if h.r == 4 {
		cfm, cfLen = "AESV2", 16
	}
	stdCF := raw.Dict()
	stdCF.Set("Type", raw.NameObj{Val: "CryptFilter"})
	stdCF.Set("CFM", raw.NameObj{Val: cfm})
	stdCF.Set("AuthEvent", raw.NameObj{Val: "DocOpen"})
	stdCF.Set("Length", raw.NumberInt(cfLen))
	cf := raw.Dict()
	cf.Set("StdCF", stdCF)

	enc.Set("V", raw.NumberInt(int64(h.v)))
	enc.Set("R", raw.NumberInt(int64(h.r)))
	enc.Set("Length", raw.NumberInt(int64(h.keyLen*8)))
	enc.Set("CF", cf)
	enc.Set("StmF", raw.NameObj{Val: "StdCF"})
	enc.Set("StrF", raw.NameObj{Val: "StdCF"})
	enc.Set("O", raw.HexStr(h.o))
	enc.Set("U", raw.HexStr(h.u))
	if h.r == 6 {
		enc.Set("OE", raw.HexStr(h.oe))
		enc.Set("UE", raw.HexStr(h.ue))
		enc.Set("Perms", raw.HexStr(h.perms))
	}
	enc.Set("P", raw.NumberInt(int64(p)))
	if !h.encryptMeta {
		enc.Set("EncryptMetadata", raw.Bool(false))
	}
	return enc, h, nil
}

// keyParams carries what the RC4-era key algorithms need.
type keyParams struct {
	r           int
	keyLen      int
	o, u        []byte
	p           int32
	fileID      []byte
	encryptMeta bool
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding)
	return padded
}

// computeKey derives the file key from a user password (ISO 32000
// algorithm 2).
func computeKey(kp keyParams, pwd []byte) []byte {
	h := md5.New()
	h.Write(padPassword(pwd))
	o := kp.o
	if len(o) > 32 {
		o = o[:32]
	}
	h.Write(o)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(kp.p))
	h.Write(pBuf[:])
	h.Write(kp.fileID)
	if kp.r >= 4 && !kp.encryptMeta {
		h.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}
	key := h.Sum(nil)
	n := kp.keyLen
	if kp.r == 2 {
		n = 5
	}
	if kp.r >= 3 {
		for i := 0; i < 50; i++ {
			sum := md5.Sum(key[:n])
			key = sum[:]
		}
	}
	return key[:n]
}

// userEntry computes /U for a file key (algorithms 4 and 5).
func userEntry(kp keyParams, key []byte) []byte {
	if kp.r == 2 {
		out, _ := rc4Crypt(key, passwordPadding)
		return out
	}
	sum := md5.Sum(append(append([]byte(nil), passwordPadding...), kp.fileID...))
	val := sum[:]
	for i := 0; i < 20; i++ {
		val, _ = rc4Crypt(xorKey(key, byte(i)), val)
	}
	return append(val, make([]byte, 16)...)
}

// ownerKey is the RC4 key derived from the owner password (algorithm 3,
// steps a to d).
func ownerKey(r, keyLen int, owner []byte) []byte {
	sum := md5.Sum(padPassword(owner))
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key)
			key = sum[:]
		}
	}
	if r == 2 {
		return key[:5]
	}
	return key[:keyLen]
}

// ownerEntry computes /O (algorithm 3).
func ownerEntry(r, keyLen int, owner, user []byte) []byte {
	key := ownerKey(r, keyLen, owner)
	out, _ := rc4Crypt(key, padPassword(user))
	if r >= 3 {
		for i := 1; i <= 19; i++ {
			out, _ = rc4Crypt(xorKey(key, byte(i)), out)
		}
	}
	return out
}

func xorKey(key []byte, b byte) []byte {
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ b
	}
	return out
}

// authenticateUser returns the file key when pwd is the user password
// (algorithm 6).
func authenticateUser(kp keyParams, pwd []byte) []byte {
	key := computeKey(kp, pwd)
	want := userEntry(kp, key)
	n := 32
	if kp.r >= 3 {
		n = 16
	}
	if len(kp.u) < n || !bytes.Equal(want[:n], kp.u[:n]) {
		return nil
	}
	return key
}

// authenticateOwner recovers the user password from /O and checks it
// (algorithm 7).
func authenticateOwner(kp keyParams, pwd []byte) []byte {
	key := ownerKey(kp.r, kp.keyLen, pwd)
	user := append([]byte(nil), kp.o[:32]...)
	if kp.r == 2 {
		user, _ = rc4Crypt(key, user)
	} else {
		for i := 19; i >= 0; i-- {
			user, _ = rc4Crypt(xorKey(key, byte(i)), user)
		}
	}
	return authenticateUser(kp, user)
}

// prepareAES256 normalizes a password for revisions 5 and 6 and truncates it
// to 127 bytes.
func prepareAES256(pwd []byte) []byte {
	if s, err := precis.OpaqueString.Bytes(pwd); err == nil {
		pwd = s
	}
	if len(pwd) > 127 {
		pwd = pwd[:127]
	}
	return pwd
}

// authenticateAES256 returns the file key when pwd matches the owner or the
// user entry (algorithm 2.A).
func authenticateAES256(r int, pwd, o, u, oe, ue []byte) []byte {
	pwd = prepareAES256(pwd)
	if bytes.Equal(hashAES256(r, pwd, o[32:40], u[:48]), o[:32]) {
		key, err := aesCBCRaw(hashAES256(r, pwd, o[40:48], u[:48]), nil, oe[:32], false)
		if err == nil {
			return key
		}
	}
	if bytes.Equal(hashAES256(r, pwd, u[32:40], nil), u[:32]) {
		key, err := aesCBCRaw(hashAES256(r, pwd, u[40:48], nil), nil, ue[:32], false)
		if err == nil {
			return key
		}
	}
	return nil
}

// passwordEntries builds /U and /UE (udata nil) or /O and /OE (udata = /U)
// for an AES-256 file key.
func passwordEntries(r int, pwd, udata, fileKey []byte) ([]byte, []byte) {
	salts := randomBytes(16)
	entry := append(hashAES256(r, pwd, salts[:8], udata), salts...)
	wrapped, _ := aesCBCRaw(hashAES256(r, pwd, salts[8:], udata), nil, fileKey, true)
	return entry, wrapped
}

// hashAES256 is SHA-256 for revision 5 and the iterated hash of algorithm
// 2.B for revision 6. The result is 32 bytes.
func hashAES256(r int, pwd, salt, udata []byte) []byte {
	first := sha256.Sum256(concat(pwd, salt, udata))
	k := first[:]
	if r == 5 {
		return k
	}
	var e []byte
	for i := 0; i < 64 || int(e[len(e)-1]) > i-32; i++ {
		k1 := bytes.Repeat(concat(pwd, k, udata), 64)
		var err error
		e, err = aesCBCRaw(k[:16], k[16:32], k1, true)
		if err != nil {
			return k[:32]
		}
		sum := 0
		for _, b := range e[:16] {
			sum += int(b)
		}
		switch sum % 3 {
		case 0:
			s := sha256.Sum256(e)
			k = s[:]
		case 1:
			s := sha512.Sum384(e)
			k = s[:]
		default:
			s := sha512.Sum512(e)
			k = s[:]
		}
	}
	return k[:32]
}

// permsEntry encrypts the permission flags for /Perms.
func permsEntry(key []byte, p int32, encryptMeta bool) []byte {
	plain := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint32(plain[0:4], uint32(p))
	copy(plain[4:8], []byte{0xff, 0xff, 0xff, 0xff})
	plain[8] = 'F'
	if encryptMeta {
		plain[8] = 'T'
	}
	copy(plain[9:12], "adb")
	copy(plain[12:], randomBytes(4))
	block, _ := aes.NewCipher(key)
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, plain)
	return out
}

// objectKey derives the per-object key (algorithm 1). AES-256 uses the file
// key directly.
func objectKey(fileKey []byte, objNum, gen int, algo cryptAlgo) []byte {
	if algo == algoAESV3 {
		return fileKey
	}
	buf := make([]byte, 0, len(fileKey)+9)
	buf = append(buf, fileKey...)
	buf = append(buf, byte(objNum), byte(objNum>>8), byte(objNum>>16), byte(gen), byte(gen>>8))
	if algo == algoAESV2 {
		buf = append(buf, "sAlT"...)
	}
	sum := md5.Sum(buf)
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return sum[:n]
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return b
}
