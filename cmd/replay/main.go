package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Воспроизводит лог детекций (JSON lines, одна строка на кадр) через API сервера
func main() {
	serverURL := flag.String("server", "http://localhost:8080", "адрес API сервера")
	logPath := flag.String("log", "", "файл с детекциями в формате JSON lines")
	imagesDir := flag.String("images", "", "каталог с кадрами frame_NNNNNN.jpg")
	name := flag.String("name", "", "название сессии")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *logPath == "" {
		fmt.Println("Использование: replay -log detections.jsonl [-images dir] [-server url]")
		os.Exit(2)
	}

	api := &apiClient{
		baseURL: *serverURL,
		http:    &http.Client{Timeout: time.Minute},
	}

	// Проверяем health endpoint
	health, err := api.call(http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		logger.Fatalf("Сервер недоступен: %v", err)
	}
	logger.Infof("Сервер: %s, распознавание: %s",
		gjson.GetBytes(health, "status").String(), gjson.GetBytes(health, "enrichment").String())

	body, _ := sjson.SetBytes([]byte(`{}`), "name", *name)
	created, err := api.call(http.MethodPost, "/api/v1/sessions", body)
	if err != nil {
		logger.Fatalf("Ошибка создания сессии: %v", err)
	}
	sessionID := gjson.GetBytes(created, "id").String()
	logger.Infof("Создана сессия %s", sessionID)

	frames, err := replay(api, sessionID, *logPath, *imagesDir, logger)
	if err != nil {
		logger.Errorf("Воспроизведение прервано после %d кадров: %v", frames, err)
	}

	closed, err := api.call(http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
	if err != nil {
		logger.Fatalf("Ошибка завершения сессии: %v", err)
	}

	fmt.Printf("Кадров отправлено: %d\n", frames)
	fmt.Printf("IN: %d, OUT: %d, всего: %d\n",
		gjson.GetBytes(closed, "in_count").Int(),
		gjson.GetBytes(closed, "out_count").Int(),
		gjson.GetBytes(closed, "total").Int())
	gjson.GetBytes(closed, "per_class_counts").ForEach(func(class, counts gjson.Result) bool {
		fmt.Printf("  %-12s IN %d OUT %d\n", class.String(), counts.Get("IN").Int(), counts.Get("OUT").Int())
		return true
	})
	gjson.GetBytes(closed, "vehicles").ForEach(func(_, v gjson.Result) bool {
		fmt.Printf("  #%d %s %s %s %s\n", v.Get("track_id").Int(), v.Get("class").String(),
			v.Get("direction").String(), v.Get("color").String(), v.Get("manufacturer").String())
		return true
	})
}

// replay отправляет кадры лога по порядку и возвращает число принятых
func replay(api *apiClient, sessionID, logPath, imagesDir string, logger *logrus.Logger) (int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия лога: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	sent := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return sent, fmt.Errorf("строка %d: некорректный JSON", sent+1)
		}

		frame := append([]byte(nil), line...)
		if imagesDir != "" && !gjson.GetBytes(frame, "image").Exists() {
			index := gjson.GetBytes(frame, "frame_index").Int()
			path := filepath.Join(imagesDir, fmt.Sprintf("frame_%06d.jpg", index))
			if data, err := os.ReadFile(path); err == nil {
				frame, err = sjson.SetBytes(frame, "image", base64.StdEncoding.EncodeToString(data))
				if err != nil {
					return sent, fmt.Errorf("ошибка добавления кадра %s: %w", path, err)
				}
			}
		}

		result, err := api.call(http.MethodPost, "/api/v1/sessions/"+sessionID+"/frames", frame)
		if err != nil {
			return sent, err
		}
		sent++

		gjson.GetBytes(result, "events").ForEach(func(_, v gjson.Result) bool {
			logger.Infof("Кадр %d: %s #%d %s", v.Get("frame_index").Int(),
				v.Get("class").String(), v.Get("track_id").Int(), v.Get("direction").String())
			return true
		})
	}
	return sent, scanner.Err()
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) call(method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки запроса: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: статус %d: %s", method, path, resp.StatusCode,
			gjson.GetBytes(data, "error").String())
	}
	return data, nil
}
