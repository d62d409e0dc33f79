// Package ratelimit защищает downstream-зависимость с ограничением частоты вызовов.
//
// Limiter реализует скользящее окно: вызов identifier'а разрешён, если за
// последние Period было меньше Rate разрешённых вызовов. Identifier позволяет
// одному лимитеру обслуживать независимые квоты (по пользователю,
// по целевому хосту и т.д.).
//
// # Хранилище
//
// Без Redis окна живут в памяти процесса (упорядоченные метки времени на
// identifier) и корректны только для одного процесса. С Redis окна —
// sorted set'ы с TTL = Period, общие для всех воркеров.
//
// Проверка в Redis по умолчанию не атомарна: два конкурентных вызова могут
// одновременно увидеть count = Rate-1 и оба пройти, поэтому потолок под
// конкуренцией мягкий. Config.Atomic включает Lua-скрипт, который чистит,
// считает и записывает за один шаг.
//
// # Ошибки хранилища
//
// Ошибка Redis логируется и трактуется как отказ: при сбое хранилища
// падает пропускная способность, а не воркер.
package ratelimit
