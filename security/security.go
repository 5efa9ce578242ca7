// Package security implements the PDF Standard security handler: decryption
// of RC4 and AES encrypted inputs (revisions 2 through 6) and the R4/R6
// handlers used to encrypt sanitized output. Limits bounds the resources a
// single document may consume.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

// ErrInvalidPassword is returned when neither the user nor the owner password
// check succeeds.
var ErrInvalidPassword = errors.New("invalid password")

type Permissions struct{ Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool }

// DataClass identifies the kind of payload being encrypted or decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	Permissions() Permissions
	EncryptMetadata() bool
}

type HandlerBuilder struct {
	encryptDict *raw.DictObj
	trailer     *raw.DictObj
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d *raw.DictObj) *HandlerBuilder {
	b.encryptDict = d
	return b
}
func (b *HandlerBuilder) WithTrailer(d *raw.DictObj) *HandlerBuilder { b.trailer = d; return b }
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder       { b.fileID = id; return b }

// Build validates the encryption dictionary. The returned handler still
// needs Authenticate before it can decrypt.
func (b *HandlerBuilder) Build() (Handler, error) {
	d := b.encryptDict
	if d == nil {
		return noEncryptionHandler{}, nil
	}
	if filter, _ := d.GetName("Filter"); filter != "" && filter != "Standard" {
		return nil, unsupported("security handler /%s", filter)
	}
	v, _ := d.GetInt("V")
	if v == 0 {
		v = 1
	}
	if v == 3 || v > 5 {
		return nil, unsupported("/V %d", v)
	}
	r, ok := d.GetInt("R")
	if !ok {
		r = 2
	}
	if r < 2 || r > 6 {
		return nil, unsupported("/R %d", r)
	}

	keyLen := 40
	if v >= 5 {
		keyLen = 256
	} else if n, ok := d.GetInt("Length"); ok && n > 0 && v >= 2 {
		keyLen = int(n)
	}
	if v == 4 && keyLen < 128 {
		keyLen = 128
	}
	if keyLen%8 != 0 || keyLen < 40 || keyLen > 256 {
		return nil, unsupported("key length %d", keyLen)
	}

	id := b.fileID
	if len(id) == 0 {
		id = firstID(b.trailer)
	}
	encryptMeta := true
	if m, ok := d.Get("EncryptMetadata"); ok {
		if bv, ok := m.(raw.BoolObj); ok {
			encryptMeta = bv.V
		}
	}
	p, _ := d.GetInt("P")

	h := &standardHandler{
		v:           int(v),
		r:           int(r),
		keyLen:      keyLen / 8,
		o:           stringBytes(d, "O"),
		u:           stringBytes(d, "U"),
		oe:          stringBytes(d, "OE"),
		ue:          stringBytes(d, "UE"),
		perms:       stringBytes(d, "Perms"),
		p:           int32(p),
		fileID:      id,
		encryptMeta: encryptMeta,
		streamAlgo:  algoRC4,
		stringAlgo:  algoRC4,
	}
	if v >= 4 {
		filters, err := parseCryptFilters(d)
		if err != nil {
			return nil, err
		}
		h.cryptFilters = filters
		if h.streamAlgo, err = resolveCryptFilter(d, "StmF", filters); err != nil {
			return nil, err
		}
		if h.stringAlgo, err = resolveCryptFilter(d, "StrF", filters); err != nil {
			return nil, err
		}
	}
	if err := h.checkEntries(); err != nil {
		return nil, err
	}
	return h, nil
}

func unsupported(format string, args ...interface{}) error {
	return &pdferr.EncryptionError{Detail: fmt.Sprintf(format, args...), Err: pdferr.ErrUnsupportedEncryption}
}

type cryptAlgo int

const (
	algoNone cryptAlgo = iota
	algoRC4
	algoAESV2
	algoAESV3
)

type standardHandler struct {
	key          []byte
	v, r         int
	keyLen       int
	o, u         []byte
	oe, ue       []byte
	perms        []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) checkEntries() error {
	want := 32
	if h.r >= 5 {
		want = 48
	}
	if len(h.o) < want || len(h.u) < want {
		return &pdferr.EncryptionError{Detail: fmt.Sprintf("/O and /U must be at least %d bytes", want)}
	}
	if h.r >= 5 && (len(h.oe) < 32 || len(h.ue) < 32) {
		return &pdferr.EncryptionError{Detail: "/OE and /UE must be 32 bytes"}
	}
	return nil
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

// Authenticate tries password as the user password, then as the owner
// password.
func (h *standardHandler) Authenticate(password string) error {
	var key []byte
	if h.r >= 5 {
		key = authenticateAES256(h.r, []byte(password), h.o, h.u, h.oe, h.ue)
	} else {
		key = authenticateUser(h.params(), []byte(password))
		if key == nil {
			key = authenticateOwner(h.params(), []byte(password))
		}
	}
	if key == nil {
		return &pdferr.EncryptionError{Detail: "authentication failed", Err: ErrInvalidPassword}
	}
	h.key = key
	h.authed = true
	if h.r == 6 {
		h.checkPerms()
	}
	return nil
}

// checkPerms trusts the encrypted /Perms copy of the permission flags when
// it decrypts correctly.
func (h *standardHandler) checkPerms() {
	if len(h.perms) != aes.BlockSize {
		return
	}
	block, err := aes.NewCipher(h.key)
	if err != nil {
		return
	}
	out := make([]byte, aes.BlockSize)
	block.Decrypt(out, h.perms)
	if string(out[9:12]) != "adb" {
		return
	}
	h.p = int32(uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16 | uint32(out[3])<<24)
}

func (h *standardHandler) params() keyParams {
	return keyParams{r: h.r, keyLen: h.keyLen, o: h.o, u: h.u, p: h.p, fileID: h.fileID, encryptMeta: h.encryptMeta}
}

func (h *standardHandler) ensureKey() error {
	if h.authed {
		return nil
	}
	return h.Authenticate("")
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if err := h.ensureKey(); err != nil {
		return nil, err
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, algo)
	if algo == algoRC4 {
		return rc4Crypt(key, data)
	}
	out, err := aesDecrypt(key, data)
	if err != nil {
		return nil, &pdferr.EncryptionError{Detail: fmt.Sprintf("object %d %d", objNum, gen), Err: err}
	}
	return out, nil
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.EncryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if err := h.ensureKey(); err != nil {
		return nil, err
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, algo)
	if algo == algoRC4 {
		return rc4Crypt(key, data)
	}
	return aesEncrypt(key, data)
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	switch filter {
	case "Identity":
		return algoNone, nil
	case "":
		if class == DataClassString {
			return h.stringAlgo, nil
		}
		if class == DataClassMetadataStream && !h.encryptMeta {
			return algoNone, nil
		}
		return h.streamAlgo, nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoNone, &pdferr.EncryptionError{Detail: fmt.Sprintf("crypt filter /%s not defined", filter), Err: pdferr.ErrUnsupportedEncryption}
}

func (h *standardHandler) Permissions() Permissions {
	return permissionsFromP(h.p)
}

func permissionsFromP(p int32) Permissions {
	return Permissions{
		Print:             p&PermPrint != 0,
		Modify:            p&PermModify != 0,
		Copy:              p&PermCopy != 0,
		ModifyAnnotations: p&PermAnnotate != 0,
		FillForms:         p&PermFillForms != 0,
		ExtractAccessible: p&PermExtract != 0,
		Assemble:          p&PermAssemble != 0,
		PrintHighQuality:  p&PermPrintHighQuality != 0,
	}
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool                  { return false }
func (noEncryptionHandler) Authenticate(password string) error { return nil }
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) EncryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Encrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Permissions() Permissions {
	return permissionsFromP(-4)
}
func (noEncryptionHandler) EncryptMetadata() bool { return false }

// NoopHandler returns a reusable pass-through encryption handler.
func NoopHandler() Handler { return noEncryptionHandler{} }

func parseCryptFilters(d *raw.DictObj) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := d.Get("CF")
	if !ok {
		return out, nil
	}
	cf, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, &pdferr.EncryptionError{Detail: "/CF is not a dictionary"}
	}
	for _, name := range cf.Keys() {
		v, _ := cf.Get(name)
		entry, ok := v.(*raw.DictObj)
		if !ok {
			return nil, &pdferr.EncryptionError{Detail: fmt.Sprintf("crypt filter /%s is not a dictionary", name)}
		}
		cfm, _ := entry.GetName("CFM")
		switch cfm {
		case "V2":
			out[name] = algoRC4
		case "AESV2":
			out[name] = algoAESV2
		case "AESV3":
			out[name] = algoAESV3
		case "None", "":
			out[name] = algoNone
		default:
			return nil, unsupported("crypt filter method /%s", cfm)
		}
	}
	return out, nil
}

func resolveCryptFilter(d *raw.DictObj, key string, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name, _ := d.GetName(key)
	switch name {
	case "", "Identity":
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoNone, &pdferr.EncryptionError{Detail: fmt.Sprintf("/%s names undefined crypt filter /%s", key, name)}
}

func firstID(trailer *raw.DictObj) []byte {
	idObj, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	if arr, ok := idObj.(*raw.ArrayObj); ok && arr.Len() > 0 {
		if s, ok := arr.Items[0].(raw.StringObj); ok {
			return s.Value()
		}
	}
	return nil
}

func stringBytes(d *raw.DictObj, key string) []byte {
	if v, ok := d.Get(key); ok {
		if s, ok := v.(raw.StringObj); ok {
			return s.Value()
		}
	}
	return nil
}

func rc4Crypt(key []byte, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesEncrypt prefixes a random IV and applies PKCS#5 padding.
func aesEncrypt(key []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	plain := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(plain))
	if _, err := rand.Read(out[:aes.BlockSize]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, out[:aes.BlockSize]).CryptBlocks(out[aes.BlockSize:], plain)
	return out, nil
}

func aesDecrypt(key []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext shorter than its IV")
	}
	iv, ct := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ct) == 0 {
		return []byte{}, nil
	}
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext not a multiple of the block size")
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

// aesCBCRaw runs AES-CBC without padding, as used for /UE, /OE and the R6
// hash rounds.
func aesCBCRaw(key, iv, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("aes data not a multiple of the block size")
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
	}
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}
