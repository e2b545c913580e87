// Package media はカメラと配信の間で受け渡す不透明なリソース型を定義する
package media

import "fmt"

// Surface はフレームの出力先（エンコーダの入力サーフェス等）
type Surface interface {
	ID() string
}

// FrameWriter はフレームを直接書き込めるサーフェスが実装する
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// ImageSource はカメラ以外のユーザー提供映像ソース
type ImageSource interface {
	// Attach は出力先サーフェスへの供給を開始する
	Attach(target Surface) error
	// Detach は供給を停止する
	Detach() error
}

// SourceKind は映像ソースの種別
type SourceKind string

const (
	SourceCamera        SourceKind = "camera"         // ハードウェアカメラ
	SourceExternalImage SourceKind = "external_image" // ユーザー提供の映像
)

// Source は種別タグ付きの映像ソース
type Source struct {
	Kind   SourceKind
	Facing string      // Kind == SourceCamera のときのレンズ向き
	Image  ImageSource // Kind == SourceExternalImage のときの実体
}

// CameraSource はレンズ向きを指定したカメラソースを返す
func CameraSource(facing string) Source {
	return Source{Kind: SourceCamera, Facing: facing}
}

// ExternalImageSource はユーザー提供ソースを返す
func ExternalImageSource(image ImageSource) Source {
	return Source{Kind: SourceExternalImage, Image: image}
}

// Validate はソースの整合性を検証する
func (s Source) Validate() error {
	switch s.Kind {
	case SourceCamera:
		return nil
	case SourceExternalImage:
		if s.Image == nil {
			return fmt.Errorf("外部映像ソースの実体がありません")
		}
		return nil
	default:
		return fmt.Errorf("不明なソース種別: %q", s.Kind)
	}
}
