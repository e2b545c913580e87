package camera

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"livecast/internal/geometry"
	"livecast/internal/media"
)

// SimulatedBackend はハードウェアなしで動くBackend
//
// 自動モードではOpenDeviceとCreateSessionの呼び出し中に成功を通知する。
// 手動モードでは通知を保留し、Complete系のメソッドで任意の順に完了させる。
type SimulatedBackend struct {
	mu sync.Mutex

	denied     bool
	manual     bool
	openErr    error
	sessionErr error

	pendingOpens []pendingOpen
	devices      []*SimulatedDevice
}

type pendingOpen struct {
	id string
	cb DeviceCallbacks
}

// NewSimulatedBackend は自動モードのSimulatedBackendを作成する
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

// NewManualSimulatedBackend は手動モードのSimulatedBackendを作成する
func NewManualSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{manual: true}
}

// DenyPermission は権限チェックを失敗させる
func (b *SimulatedBackend) DenyPermission(denied bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied = denied
}

// FailNextOpen は以後のOpenDeviceを即時エラーにする。nilで解除
func (b *SimulatedBackend) FailNextOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// FailSessions は以後の自動セッション構成を失敗させる。nilで解除
func (b *SimulatedBackend) FailSessions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionErr = err
}

// CheckPermission は権限があるか返す
func (b *SimulatedBackend) CheckPermission() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.denied
}

// OpenDevice はデバイスを開く
func (b *SimulatedBackend) OpenDevice(id string, cb DeviceCallbacks) error {
	b.mu.Lock()
	if b.openErr != nil {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	if b.manual {
		b.pendingOpens = append(b.pendingOpens, pendingOpen{id: id, cb: cb})
		b.mu.Unlock()
		return nil
	}
	dev := b.newDevice(id, cb)
	b.mu.Unlock()

	cb.Opened(dev)
	return nil
}

// PendingOpens は保留中のOpenDeviceの数を返す
func (b *SimulatedBackend) PendingOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingOpens)
}

// CompleteOpen は保留中のi番目のOpenDeviceを成功させる
func (b *SimulatedBackend) CompleteOpen(i int) *SimulatedDevice {
	b.mu.Lock()
	p := b.takeOpen(i)
	dev := b.newDevice(p.id, p.cb)
	b.mu.Unlock()

	p.cb.Opened(dev)
	return dev
}

// FailOpen は保留中のi番目のOpenDeviceをエラーにする
func (b *SimulatedBackend) FailOpen(i int, err error) *SimulatedDevice {
	b.mu.Lock()
	p := b.takeOpen(i)
	dev := b.newDevice(p.id, p.cb)
	b.mu.Unlock()

	p.cb.Error(dev, err)
	return dev
}

// Devices はこれまでに開いたデバイスを返す
func (b *SimulatedBackend) Devices() []*SimulatedDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.devices)
}

func (b *SimulatedBackend) takeOpen(i int) pendingOpen {
	if i < 0 || i >= len(b.pendingOpens) {
		panic(fmt.Sprintf("保留中のOpenDeviceがありません: %d", i))
	}
	p := b.pendingOpens[i]
	b.pendingOpens = slices.Delete(b.pendingOpens, i, i+1)
	return p
}

func (b *SimulatedBackend) newDevice(id string, cb DeviceCallbacks) *SimulatedDevice {
	dev := &SimulatedDevice{id: id, backend: b, cb: cb}
	b.devices = append(b.devices, dev)
	return dev
}

// SimulatedDevice はSimulatedBackendが開いたデバイス
type SimulatedDevice struct {
	id      string
	backend *SimulatedBackend
	cb      DeviceCallbacks

	mu              sync.Mutex
	closeCount      int
	pendingSessions []pendingSession
	sessions        []*SimulatedSession
}

type pendingSession struct {
	targets []media.Surface
	size    geometry.Size
	cb      SessionCallbacks
}

// ID はデバイスIDを返す
func (d *SimulatedDevice) ID() string { return d.id }

// CreateSession はセッションを構成する
func (d *SimulatedDevice) CreateSession(targets []media.Surface, size geometry.Size, cb SessionCallbacks) error {
	if len(targets) == 0 {
		return errors.New("出力先がありません")
	}

	d.backend.mu.Lock()
	manual, sessionErr := d.backend.manual, d.backend.sessionErr
	d.backend.mu.Unlock()

	d.mu.Lock()
	if manual {
		d.pendingSessions = append(d.pendingSessions, pendingSession{targets: slices.Clone(targets), size: size, cb: cb})
		d.mu.Unlock()
		return nil
	}
	if sessionErr != nil {
		d.mu.Unlock()
		cb.ConfigureFailed(sessionErr)
		return nil
	}
	s := d.newSession(targets, size)
	d.mu.Unlock()

	cb.Configured(s)
	return nil
}

// CompleteSession は保留中のi番目のセッション構成を成功させる
func (d *SimulatedDevice) CompleteSession(i int) *SimulatedSession {
	d.mu.Lock()
	p := d.takeSession(i)
	s := d.newSession(p.targets, p.size)
	d.mu.Unlock()

	p.cb.Configured(s)
	return s
}

// FailSession は保留中のi番目のセッション構成を失敗させる
func (d *SimulatedDevice) FailSession(i int, err error) {
	d.mu.Lock()
	p := d.takeSession(i)
	d.mu.Unlock()

	p.cb.ConfigureFailed(err)
}

// PendingSessions は保留中のセッション構成の数を返す
func (d *SimulatedDevice) PendingSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingSessions)
}

// Sessions はこれまでに構成したセッションを返す
func (d *SimulatedDevice) Sessions() []*SimulatedSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sessions)
}

// Disconnect はデバイスの切断を通知する
func (d *SimulatedDevice) Disconnect() {
	d.cb.Disconnected(d)
}

// Close はデバイスを閉じる
func (d *SimulatedDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCount++
}

// CloseCount はCloseが呼ばれた回数を返す
func (d *SimulatedDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

func (d *SimulatedDevice) takeSession(i int) pendingSession {
	if i < 0 || i >= len(d.pendingSessions) {
		panic(fmt.Sprintf("保留中のセッション構成がありません: %d", i))
	}
	p := d.pendingSessions[i]
	d.pendingSessions = slices.Delete(d.pendingSessions, i, i+1)
	return p
}

func (d *SimulatedDevice) newSession(targets []media.Surface, size geometry.Size) *SimulatedSession {
	s := &SimulatedSession{targets: slices.Clone(targets), size: size}
	d.sessions = append(d.sessions, s)
	return s
}

// SimulatedSession は発行されたリクエストを記録する
type SimulatedSession struct {
	targets []media.Surface
	size    geometry.Size

	mu         sync.Mutex
	repeating  []CaptureRequest
	captures   []CaptureRequest
	closeCount int
	failWith   error
}

// FailRequests は以後のリクエストを失敗させる。nilで解除
func (s *SimulatedSession) FailRequests(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// SetRepeatingRequest は繰り返しリクエストを記録する
func (s *SimulatedSession) SetRepeatingRequest(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.repeating = append(s.repeating, req)
	return nil
}

// Capture は1回だけのリクエストを記録する
func (s *SimulatedSession) Capture(req CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.captures = append(s.captures, req)
	return nil
}

// Close はセッションを閉じる
func (s *SimulatedSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
}

// CloseCount はCloseが呼ばれた回数を返す
func (s *SimulatedSession) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Size は構成時の出力サイズを返す
func (s *SimulatedSession) Size() geometry.Size {
	return s.size
}

// Targets は構成時の出力先を返す
func (s *SimulatedSession) Targets() []media.Surface {
	return slices.Clone(s.targets)
}

// RepeatingRequests は記録した繰り返しリクエストを返す
func (s *SimulatedSession) RepeatingRequests() []CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.repeating)
}

// Captures は記録した1回だけのリクエストを返す
func (s *SimulatedSession) Captures() []CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.captures)
}

// LastRepeating は最後の繰り返しリクエストを返す
func (s *SimulatedSession) LastRepeating() (CaptureRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.repeating) == 0 {
		return CaptureRequest{}, false
	}
	return s.repeating[len(s.repeating)-1], true
}
