package rtp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// srtpKeyingLabel — exporter label standardized by RFC 5764 §4.2 for
// deriving SRTP master keys/salts out of a completed DTLS handshake.
const srtpKeyingLabel = "EXTRACTOR-dtls_srtp"

// DTLSTransport реализует Transport интерфейс для DTLS
// Обеспечивает шифрованную передачу RTP пакетов для софтфонов
type DTLSTransport struct {
	conn       net.Conn
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	config     DTLSTransportConfig

	// localSRTPCtx/remoteSRTPCtx keyed from the DTLS-SRTP handshake (RFC
	// 5764): localSRTPCtx encrypts outgoing RTP, remoteSRTPCtx decrypts
	// incoming RTP. Both are nil until finalizeSRTP runs, which keeps this
	// transport usable as a plain DTLS tunnel when the peer doesn't
	// negotiate an SRTP protection profile.
	localSRTPCtx  *srtp.Context
	remoteSRTPCtx *srtp.Context

	active bool
	mutex  sync.RWMutex
}

// DTLSTransportConfig конфигурация для DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	// DTLS специфичные настройки
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ClientCAs    *x509.CertPool
	ServerName   string

	// PSK (Pre-Shared Key) настройки для IoT устройств
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	// Cipher suites для контроля безопасности
	CipherSuites []dtls.CipherSuiteID

	// Настройки безопасности
	InsecureSkipVerify bool

	// Таймауты для DTLS рукопожатия
	HandshakeTimeout time.Duration

	// Размер MTU для фрагментации DTLS сообщений
	MTU int

	// Окно защиты от replay атак
	ReplayProtectionWindow int

	// Поддержка DTLS Connection ID для NAT traversal
	EnableConnectionID bool

	// SRTPProtectionProfiles перечисляет профили, предлагаемые во время
	// DTLS рукопожатия для последующего вывода ключей SRTP (RFC 5764).
	// GCM профили принимаются при согласовании наравне с CM, но если
	// согласован GCM профиль, эталонный кодпуть этого транспорта всё
	// равно строит srtp.Context по выбранному pion/dtls профилю как есть
	// — пересогласования на CM не происходит, srtp.CreateContext сам
	// умеет оба семейства. См. DESIGN.md.
	SRTPProtectionProfiles []dtls.SRTPProtectionProfile

	// PeerFingerprintAlg/PeerFingerprint — отпечаток сертификата удалённой
	// стороны из SDP a=fingerprint (RFC 8122), проверяемый против
	// сертификата, предъявленного при рукопожатии. Пусто — проверка
	// пропускается (используется при PSK или тестовых сценариях).
	PeerFingerprintAlg string
	PeerFingerprint    string
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:        DefaultTransportConfig(),
		HandshakeTimeout:       30 * time.Second,
		MTU:                    1200, // Стандартный размер для DTLS
		ReplayProtectionWindow: 64,
		EnableConnectionID:     true, // Включаем для NAT traversal
		CipherSuites: []dtls.CipherSuiteID{
			// Рекомендуемые cipher suites для VoIP
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AEAD_AES_128_GCM,
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		PeerFingerprintAlg: "sha-256",
	}
}

// setSockOptForVoiceUDP получает raw connection UDP сокета; callback Control
// пуст, поэтому параметры сокета (приоритет, буферы) не меняются
func setSockOptForVoiceUDP(conn *net.UDPConn) error {
	// Получаем raw connection
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	// Параметры сокета не меняются
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		// Здесь можно добавить platform-specific настройки
		// Например, SO_PRIORITY для Linux или Traffic Class для Windows
		// Для простоты пока оставляем базовые настройки
	})

	if err != nil {
		return err
	}
	return sockErr
}

// NewDTLSTransport создает новый DTLS транспорт для RTP
func NewDTLSTransport(config DTLSTransportConfig) (*DTLSTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.MTU == 0 {
		config.MTU = 1200
	}

	// Парсим локальный адрес
	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	// Создаем UDP соединение
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	// Настраиваем сокет для телефонии
	err = setSockOptForVoiceUDP(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	transport := &DTLSTransport{
		conn:      conn,
		localAddr: conn.LocalAddr(),
		config:    config,
		active:    true,
	}

	return transport, nil
}

// NewDTLSTransportClient создает DTLS клиент
func NewDTLSTransportClient(config DTLSTransportConfig) (*DTLSTransport, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для клиента")
	}

	// Парсим удаленный адрес
	remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	// Создаем UDP соединение
	conn, err := net.Dial("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	transport := &DTLSTransport{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: remoteAddr,
		config:     config,
		active:     true,
	}

	// Устанавливаем DTLS соединение как клиент
	err = transport.establishDTLSClient()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка установки DTLS соединения: %w", err)
	}

	return transport, nil
}

// NewDTLSTransportServer создает DTLS сервер
func NewDTLSTransportServer(config DTLSTransportConfig) (*DTLSTransport, error) {
	transport, err := NewDTLSTransport(config)
	if err != nil {
		return nil, err
	}

	// Для сервера DTLS соединение будет установлено при первом пакете
	return transport, nil
}

// establishDTLSClient устанавливает DTLS соединение как клиент
func (t *DTLSTransport) establishDTLSClient() error {
	dtlsConfig := t.buildDTLSConfig()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ClientWithContext(ctx, t.conn, dtlsConfig)
	if err != nil {
		return fmt.Errorf("ошибка DTLS клиента: %w", err)
	}

	t.mutex.Lock()
	t.dtlsConn = dtlsConn
	t.mutex.Unlock()

	if err := t.finalizeSRTP(dtlsConn, true); err != nil {
		return fmt.Errorf("ошибка вывода ключей SRTP: %w", err)
	}

	return nil
}

// acceptDTLSConnection принимает DTLS соединение как сервер
func (t *DTLSTransport) acceptDTLSConnection() error {
	dtlsConfig := t.buildDTLSConfig()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ServerWithContext(ctx, t.conn, dtlsConfig)
	if err != nil {
		return fmt.Errorf("ошибка DTLS сервера: %w", err)
	}

	t.mutex.Lock()
	t.dtlsConn = dtlsConn
	t.remoteAddr = dtlsConn.RemoteAddr()
	t.mutex.Unlock()

	if err := t.finalizeSRTP(dtlsConn, false); err != nil {
		return fmt.Errorf("ошибка вывода ключей SRTP: %w", err)
	}

	return nil
}

// buildDTLSConfig создает конфигурацию DTLS
func (t *DTLSTransport) buildDTLSConfig() *dtls.Config {
	config := &dtls.Config{
		Certificates:           t.config.Certificates,
		RootCAs:                t.config.RootCAs,
		ClientCAs:              t.config.ClientCAs,
		ServerName:             t.config.ServerName,
		CipherSuites:           t.config.CipherSuites,
		InsecureSkipVerify:     t.config.InsecureSkipVerify,
		PSK:                    t.config.PSK,
		PSKIdentityHint:        t.config.PSKIdentityHint,
		MTU:                    t.config.MTU,
		ReplayProtectionWindow: t.config.ReplayProtectionWindow,
		SRTPProtectionProfiles: t.config.SRTPProtectionProfiles,

		// Настройки для софтфонов
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,

		// Функция создания контекста для таймаутов
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
		},
	}

	return config
}

// Send отправляет RTP пакет через DTLS
func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}

	if dtlsConn == nil {
		return fmt.Errorf("DTLS соединение не установлено")
	}

	// Сериализуем RTP пакет
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	t.mutex.RLock()
	localCtx := t.localSRTPCtx
	t.mutex.RUnlock()

	if localCtx != nil {
		encrypted, err := localCtx.EncryptRTP(nil, data, &packet.Header)
		if err != nil {
			return fmt.Errorf("ошибка SRTP шифрования пакета: %w", err)
		}
		data = encrypted
	}

	// Отправляем через DTLS
	_, err = dtlsConn.Write(data)
	if err != nil {
		return fmt.Errorf("ошибка отправки DTLS пакета: %w", err)
	}

	return nil
}

// Receive получает RTP пакет через DTLS
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("транспорт не активен")
	}

	// Если DTLS соединение не установлено, пытаемся принять его (для сервера)
	if dtlsConn == nil {
		err := t.acceptDTLSConnection()
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка принятия DTLS соединения: %w", err)
		}

		t.mutex.RLock()
		dtlsConn = t.dtlsConn
		t.mutex.RUnlock()
	}

	// Проверяем контекст
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	// Читаем данные через DTLS
	buffer := make([]byte, bufferSize)

	// Устанавливаем таймаут для чтения
	dtlsConn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))

	n, err := dtlsConn.Read(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("ошибка чтения DTLS: %w", err)
	}

	data := buffer[:n]

	t.mutex.RLock()
	remoteCtx := t.remoteSRTPCtx
	t.mutex.RUnlock()

	if remoteCtx != nil {
		decrypted, err := remoteCtx.DecryptRTP(nil, data, &rtp.Header{})
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка SRTP расшифровки пакета: %w", err)
		}
		data = decrypted
	}

	// Демаршалируем RTP пакет
	packet := &rtp.Packet{}
	err = packet.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}

	return packet, t.remoteAddr, nil
}

// LocalAddr возвращает локальный адрес
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает удаленный адрес
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.remoteAddr
}

// Close закрывает DTLS транспорт
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}

	t.active = false

	var errs []error

	// Закрываем DTLS соединение
	if t.dtlsConn != nil {
		if err := t.dtlsConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия DTLS соединения: %w", err))
		}
	}

	// Закрываем UDP соединение
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия UDP соединения: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("ошибки при закрытии: %v", errs)
	}

	return nil
}

// IsActive проверяет активность транспорта
func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active && t.dtlsConn != nil
}

// GetConnectionState возвращает состояние DTLS соединения
func (t *DTLSTransport) GetConnectionState() dtls.State {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.dtlsConn != nil {
		return t.dtlsConn.ConnectionState()
	}

	return dtls.State{}
}

// SetRemoteAddr устанавливает удаленный адрес (только для режима клиента)
func (t *DTLSTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr

	return nil
}

// ExportKeyingMaterial экспортирует ключевой материал для SRTP
// Используется для обеспечения дополнительной безопасности RTP
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	t.mutex.RLock()
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if dtlsConn == nil {
		return nil, fmt.Errorf("DTLS соединение не установлено")
	}

	state := dtlsConn.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// finalizeSRTP выводит ключевой материал SRTP из завершённого DTLS
// рукопожатия (RFC 5764 §4.2, label "EXTRACTOR-dtls_srtp") и строит
// localSRTPCtx/remoteSRTPCtx. Источник — other_examples'
// 59708a33_emiago-diago__media-media_session.go.go's onFinalize handler:
// тот же exporter label, тот же обмен client/server ключ-соль местами в
// зависимости от роли, тот же srtp.CreateContext per side. Если удалённая
// сторона не согласовала SRTP протекшн профиль (SelectedSRTPProtectionProfile
// возвращает ok=false), транспорт остаётся обычным DTLS туннелем.
func (t *DTLSTransport) finalizeSRTP(dtlsConn *dtls.Conn, isClient bool) error {
	state := dtlsConn.ConnectionState()

	if err := t.verifyPeerFingerprint(state); err != nil {
		return err
	}

	selected, ok := dtlsConn.SelectedSRTPProtectionProfile()
	if !ok {
		return nil
	}
	profile := srtp.ProtectionProfile(selected)

	keyLen, err := profile.KeyLen()
	if err != nil {
		return fmt.Errorf("srtp: длина ключа для профиля %v: %w", profile, err)
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return fmt.Errorf("srtp: длина соли для профиля %v: %w", profile, err)
	}

	keyingMaterial, err := state.ExportKeyingMaterial(srtpKeyingLabel, nil, 2*(keyLen+saltLen))
	if err != nil {
		return fmt.Errorf("srtp: экспорт ключевого материала: %w", err)
	}

	clientKey := keyingMaterial[:keyLen]
	serverKey := keyingMaterial[keyLen : 2*keyLen]
	clientSalt := keyingMaterial[2*keyLen : 2*keyLen+saltLen]
	serverSalt := keyingMaterial[2*keyLen+saltLen:]

	if !isClient {
		clientKey, serverKey = serverKey, clientKey
		clientSalt, serverSalt = serverSalt, clientSalt
	}

	localCtx, err := srtp.CreateContext(clientKey, clientSalt, profile)
	if err != nil {
		return fmt.Errorf("srtp: создание локального контекста: %w", err)
	}
	remoteCtx, err := srtp.CreateContext(serverKey, serverSalt, profile)
	if err != nil {
		return fmt.Errorf("srtp: создание удалённого контекста: %w", err)
	}

	t.mutex.Lock()
	t.localSRTPCtx = localCtx
	t.remoteSRTPCtx = remoteCtx
	t.mutex.Unlock()

	return nil
}

// verifyPeerFingerprint сверяет сертификат, предъявленный при рукопожатии,
// с отпечатком, объявленным удалённой стороной в SDP a=fingerprint (RFC
// 8122). Пропускается, если PeerFingerprint не задан в конфигурации.
func (t *DTLSTransport) verifyPeerFingerprint(state dtls.State) error {
	if t.config.PeerFingerprint == "" {
		return nil
	}
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("dtls: нет сертификата удалённой стороны для проверки отпечатка")
	}

	got, err := certificateFingerprintHex(state.PeerCertificates[0], t.config.PeerFingerprintAlg)
	if err != nil {
		return err
	}
	want := strings.ToUpper(strings.ReplaceAll(t.config.PeerFingerprint, ":", ""))
	if got != want {
		return fmt.Errorf("dtls: отпечаток сертификата не совпадает: ожидался %s, предъявлен %s",
			t.config.PeerFingerprint, got)
	}
	return nil
}

// LocalFingerprint возвращает алгоритм и отпечаток (в формате RFC 4572,
// через двоеточие) первого локального сертификата — для публикации в
// исходящем SDP a=fingerprint.
func (t *DTLSTransport) LocalFingerprint() (alg string, fingerprint string, err error) {
	if len(t.config.Certificates) == 0 || len(t.config.Certificates[0].Certificate) == 0 {
		return "", "", fmt.Errorf("dtls: локальный сертификат не настроен")
	}
	raw, err := certificateFingerprintHex(t.config.Certificates[0].Certificate[0], "sha-256")
	if err != nil {
		return "", "", err
	}
	return "sha-256", colonizeHex(raw), nil
}

// certificateFingerprintHex вычисляет отпечаток DER-сертификата без
// разделителей в верхнем регистре. Поддерживается только sha-256 —
// единственный алгоритм, который этот транспорт согласует и публикует.
func certificateFingerprintHex(der []byte, alg string) (string, error) {
	switch strings.ToLower(alg) {
	case "", "sha-256":
		sum := sha256.Sum256(der)
		return strings.ToUpper(hex.EncodeToString(sum[:])), nil
	default:
		return "", fmt.Errorf("dtls: неподдерживаемый алгоритм отпечатка %q", alg)
	}
}

func colonizeHex(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}

// IsHandshakeComplete проверяет завершено ли DTLS рукопожатие
func (t *DTLSTransport) IsHandshakeComplete() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.dtlsConn != nil
}

// GetSelectedCipherSuite возвращает выбранный cipher suite
func (t *DTLSTransport) GetSelectedCipherSuite() dtls.CipherSuiteID {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.dtlsConn != nil {
		// Здесь можно добавить логику получения cipher suite из состояния соединения
		// В текущей версии pion/dtls это может потребовать дополнительной работы
	}

	return 0
}
