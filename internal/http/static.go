package httpx

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// staticHandler serves files from dir; anything that is not a file gets index.html
func staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if p != "/" {
			info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p)))
			if err != nil || info.IsDir() {
				http.ServeFile(w, r, index)
				return
			}
		}
		files.ServeHTTP(w, r)
	})
}
