package app

import (
	"log"
	"mime"
)

func init() {
	ensureMimeType(".pdf", "application/pdf")
	ensureMimeType(".xml", "application/xml")
	ensureMimeType(".csv", "text/csv; charset=utf-8")
}

// ensureMimeType registers types attachments are commonly uploaded with, so
// uploads without a Content-Type still resolve on minimal base images.
func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("app: failed to register MIME type for %s: %v", ext, err)
	}
}
