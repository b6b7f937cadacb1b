// Modul: errors.go
// Beschreibung: Fehlertypen, die loadModel zurueckgeben kann. Die drei
// Faelle, die schon im Laden selbst entstehen koennen (MalformedManifest,
// LayoutMismatch, AllocationFailed), sind bereits in fs/ggml/errors.go
// typisiert und werden unveraendert durchgereicht. NotFound ist der
// einzige Fall, der dort fehlt: fs/ggml.LoadManifest wrappt ein
// fehlendes manifest.json in MalformedManifest (es behandelt os.Open
// als Dekodierfehler), aber loadModel soll "Datei existiert nicht"
// von "Datei existiert, ist aber kaputt" unterscheiden koennen, bevor
// es ueberhaupt zu ggml.LoadManifest kommt.
package engine

import "fmt"

// NotFound wird zurueckgegeben, wenn der Manifest-Pfad selbst nicht
// existiert.
type NotFound struct {
	Path string
	Err  error
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("engine: model manifest %q not found: %v", e.Path, e.Err)
}

func (e *NotFound) Unwrap() error { return e.Err }
