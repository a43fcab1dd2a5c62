package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ====================================================================
// Согласование ключей quicpath
// ====================================================================
//
// Обмен ключами: X25519 (Curve25519 ECDH)
//   - Обе стороны генерируют эфемерные пары ключей при создании
//     контекста
//   - Публичный ключ едет в хвосте Initial/Handshake пакета
//   - Общий секрет вычисляется через ECDH
//
// Деривация: HKDF-SHA256
//   - Соль пустая, info = "quic key"
//   - Из общего секрета выводится 32-байтовый traffic secret
//
// Жизненный цикл контекста: INITIAL → WAIT_HANDSHAKE → CONNECTED.
//
// Шифрование полезной нагрузки - хук поверх traffic secret:
// ChaCha20-Poly1305 AEAD инициализируется при вычислении секрета,
// но на провод по умолчанию не выводится. Внешний протокол при
// включении AEAD не меняется - сборщик пакетов игнорирует байты
// после области фреймов, тег помещается туда.
//
// ====================================================================

// Состояние контекста согласования ключей
type HandshakeState int32

const (
	// HandshakeState_INITIAL - ключи сгенерированы, хэндшейк не начат
	HandshakeState_INITIAL HandshakeState = 0

	// HandshakeState_WAIT_HANDSHAKE - свой ключ отправлен, ждём ключ пира
	HandshakeState_WAIT_HANDSHAKE HandshakeState = 1

	// HandshakeState_CONNECTED - общий секрет вычислен
	HandshakeState_CONNECTED HandshakeState = 2
)

const (
	// PublicKeySize - размер публичного ключа X25519
	PublicKeySize = 32

	// TrafficSecretSize - размер выведенного traffic secret
	TrafficSecretSize = 32

	// NonceSize - размер nonce ChaCha20-Poly1305
	NonceSize = chacha20poly1305.NonceSize

	// hkdfInfo - info-строка деривации traffic secret
	hkdfInfo = "quic key"
)

var (
	// ErrZeroSharedSecret - ECDH дал нулевой секрет
	// (low-order point attack)
	ErrZeroSharedSecret = errors.New("computed shared secret is zero")

	// ErrNoTrafficSecret - AEAD-хук вызван до вычисления секрета
	ErrNoTrafficSecret = errors.New("traffic secret not derived yet")
)

// KeyAgreement - контекст согласования ключей одного соединения
type KeyAgreement struct {
	isClient bool
	state    int32 // HandshakeState, atomic

	privateKey [PublicKeySize]byte
	publicKey  [PublicKeySize]byte

	// trafficSecret - выведенный секрет, nil до ComputeShared
	trafficSecret []byte

	// aead - хук защиты полезной нагрузки, инициализируется
	// вместе с traffic secret
	aead cipher.AEAD
}

// NewKeyAgreement создаёт контекст и генерирует эфемерную пару X25519
func NewKeyAgreement(isClient bool) (*KeyAgreement, error) {
	ka := &KeyAgreement{isClient: isClient}

	if _, err := rand.Read(ka.privateKey[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp (стандартная процедура для Curve25519)
	ka.privateKey[0] &= 248
	ka.privateKey[31] &= 127
	ka.privateKey[31] |= 64

	pub, err := curve25519.X25519(ka.privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	copy(ka.publicKey[:], pub)

	return ka, nil
}

// PublicKey возвращает 32 байта публичного ключа
func (ka *KeyAgreement) PublicKey() []byte {
	pub := make([]byte, PublicKeySize)
	copy(pub, ka.publicKey[:])
	return pub
}

// IsClient сообщает роль контекста
func (ka *KeyAgreement) IsClient() bool {
	return ka.isClient
}

// State возвращает текущее состояние жизненного цикла
func (ka *KeyAgreement) State() HandshakeState {
	return HandshakeState(atomic.LoadInt32(&ka.state))
}

// SetState переводит контекст в новое состояние
func (ka *KeyAgreement) SetState(s HandshakeState) {
	atomic.StoreInt32(&ka.state, int32(s))
}

// ComputeShared выполняет ECDH с публичным ключом пира и выводит
// traffic secret через HKDF-SHA256. Переводит контекст в CONNECTED.
func (ka *KeyAgreement) ComputeShared(peerPublic []byte) error {
	if len(peerPublic) != PublicKeySize {
		return fmt.Errorf("peer public key length %d, expected %d", len(peerPublic), PublicKeySize)
	}

	shared, err := curve25519.X25519(ka.privateKey[:], peerPublic)
	if err != nil {
		return fmt.Errorf("ECDH: %w", err)
	}

	allZero := true
	for _, b := range shared {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ErrZeroSharedSecret
	}

	secret := make([]byte, TrafficSecretSize)
	reader := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, secret); err != nil {
		return fmt.Errorf("derive traffic secret: %w", err)
	}
	ka.trafficSecret = secret

	ka.aead, err = chacha20poly1305.New(secret)
	if err != nil {
		return fmt.Errorf("create AEAD: %w", err)
	}

	ka.SetState(HandshakeState_CONNECTED)
	return nil
}

// TrafficSecret возвращает выведенный секрет, nil до ComputeShared
func (ka *KeyAgreement) TrafficSecret() []byte {
	return ka.trafficSecret
}

// Seal шифрует полезную нагрузку AEAD-хуком
// packetNumber строит nonce, additionalData аутентифицируется без
// шифрования (обычно это байты заголовка)
func (ka *KeyAgreement) Seal(payload []byte, packetNumber uint64, additionalData []byte) ([]byte, error) {
	if ka.aead == nil {
		return nil, ErrNoTrafficSecret
	}
	return ka.aead.Seal(nil, buildNonce(packetNumber), payload, additionalData), nil
}

// Open расшифровывает полезную нагрузку AEAD-хуком
func (ka *KeyAgreement) Open(ciphertext []byte, packetNumber uint64, additionalData []byte) ([]byte, error) {
	if ka.aead == nil {
		return nil, ErrNoTrafficSecret
	}
	plaintext, err := ka.aead.Open(nil, buildNonce(packetNumber), ciphertext, additionalData)
	if err != nil {
		return nil, errors.New("open: authentication failed (possible tampering or wrong key)")
	}
	return plaintext, nil
}

// buildNonce создаёт 12-байтный nonce из номера пакета
// Формат: [0x00 * 4][PacketNumber BigEndian * 8]
// Номера пакетов монотонны, поэтому nonce уникален в рамках сессии
func buildNonce(packetNumber uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], packetNumber)
	return nonce
}
