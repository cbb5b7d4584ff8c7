package viewer

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path"
	"time"
)

//go:embed web/*
var content embed.FS

// indexFile is rendered as a template; everything else is served as is.
const indexFile = "index.html"

// Options configures the viewer handler.
type Options struct {
	// Dir serves assets from disk when it names an existing directory.
	// Otherwise the embedded assets are used.
	Dir string

	// WSPath is the WebSocket endpoint the page subscribes to.
	WSPath string

	// Title is shown in the page header. Default: "motionlink".
	Title string
}

type page struct {
	Title  string
	WSPath string
}

// Handler returns an http.Handler that serves the frame viewer.
//
// The page is served at "/" and "/index.html" with the WebSocket path filled
// in. Unknown paths return 404. Mount it behind http.StripPrefix when it
// lives below the root.
//
// Panics if the embedded web assets cannot be loaded (build error).
func Handler(opts Options) http.Handler {
	if opts.Title == "" {
		opts.Title = "motionlink"
	}
	fsys := assets(opts.Dir)
	fileServer := http.FileServer(http.FS(fsys))
	data := page{Title: opts.Title, WSPath: opts.WSPath}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The page is tiny; never let a browser hold on to a stale copy.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		name := path.Clean("/" + r.URL.Path)[1:]
		if name == "" || name == indexFile {
			serveIndex(w, r, fsys, data)
			return
		}
		if _, err := fs.Stat(fsys, name); err != nil {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// assets picks the on-disk directory when usable, else the embedded copy.
func assets(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	webFS, err := fs.Sub(content, "web")
	if err != nil {
		panic(fmt.Sprintf("viewer: failed to load embedded web assets: %v", err))
	}
	return webFS
}

// serveIndex parses the page on every request so on-disk edits show up
// without a restart.
func serveIndex(w http.ResponseWriter, r *http.Request, fsys fs.FS, data page) {
	tmpl, err := template.ParseFS(fsys, indexFile)
	if err != nil {
		http.Error(w, "viewer page unavailable", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "viewer page unavailable", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, indexFile, time.Time{}, bytes.NewReader(buf.Bytes()))
}
